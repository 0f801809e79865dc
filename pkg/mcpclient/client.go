/*
Package mcpclient is the Coordinator's transport to the task-management
server (C1): a single-shot JSON-RPC 2.0 "tools/call" over either a Unix
domain socket or HTTP, with bearer-token injection for privileged operations.
*/
package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/aiagent-coordinator/pkg/metrics"
	"github.com/cuemby/aiagent-coordinator/pkg/types"
)

// Method names for the typed operations the Coordinator calls.
const (
	MethodHealthCheck              = "health_check"
	MethodListActiveProjectsAgents = "list_active_projects_with_agents"
	MethodGetAgentAction           = "get_agent_action"
	methodShouldStart              = "should_start" // older alias, accepted as equivalent
	MethodRegisterExecutionLogFile = "register_execution_log_file"
	MethodInvalidateSession        = "invalidate_session"
	MethodReportAgentError         = "report_agent_error"
)

var privilegedMethods = map[string]bool{
	MethodHealthCheck:              true,
	MethodListActiveProjectsAgents: true,
	MethodGetAgentAction:           true,
	methodShouldStart:              true,
	MethodRegisterExecutionLogFile: true,
	MethodInvalidateSession:        true,
	MethodReportAgentError:         true,
}

// Client dispatches tool calls to the task-management server.
type Client struct {
	// Addr is either an http(s):// URL or a Unix socket path.
	Addr  string
	Token string

	httpClient *http.Client
}

// New creates a transport client for addr. If addr starts with http:// or
// https://, calls go over HTTP; otherwise addr is treated as a Unix socket
// path.
func New(addr, token string) *Client {
	return &Client{
		Addr:  addr,
		Token: token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) isHTTP() bool {
	return strings.HasPrefix(c.Addr, "http://") || strings.HasPrefix(c.Addr, "https://")
}

// call invokes one named tool with a JSON argument object and returns the
// decoded result. Privileged methods have the coordinator token injected
// into arguments regardless of transport.
func (c *Client) call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TransportCallDuration, method)

	if args == nil {
		args = map[string]any{}
	}
	if privilegedMethods[method] && c.Token != "" {
		args["coordinator_token"] = c.Token
	}

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      method,
			"arguments": args,
		},
	}

	var (
		result map[string]any
		err    error
	)
	if c.isHTTP() {
		result, err = c.callHTTP(ctx, req)
	} else {
		result, err = c.callUnixSocket(ctx, req)
	}

	if err != nil {
		metrics.TransportCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, err
	}
	metrics.TransportCallsTotal.WithLabelValues(method, "ok").Inc()
	return result, nil
}

func (c *Client) callUnixSocket(ctx context.Context, req map[string]any) (map[string]any, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: encode request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("mcpclient: write request: %w", err)
	}

	resp, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("mcpclient: read response: %w", err)
	}

	return decodeEnvelope(resp)
}

func (c *Client) callHTTP(ctx context.Context, req map[string]any) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Addr, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcpclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: http call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: read http body: %w", err)
	}
	return decodeEnvelope(data)
}

// decodeEnvelope unwraps the server's {"result":{"content":[{"type":"text",
// "text":"<JSON>"}]}} envelope, or raises a top-level "error" as a transport
// failure.
func decodeEnvelope(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("mcpclient: empty response")
	}

	var envelope struct {
		Result *struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("mcpclient: decode envelope: %w", err)
	}

	if envelope.Error != nil {
		return nil, fmt.Errorf("mcpclient: server error: %s", envelope.Error.Message)
	}
	if envelope.Result == nil || len(envelope.Result.Content) == 0 {
		return nil, fmt.Errorf("mcpclient: response carried no content")
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(envelope.Result.Content[0].Text), &out); err != nil {
		return nil, fmt.Errorf("mcpclient: decode content text: %w", err)
	}
	return out, nil
}

// HealthCheck reports whether the server is reachable and healthy.
func (c *Client) HealthCheck(ctx context.Context) (status string, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := c.call(ctx, MethodHealthCheck, nil)
	if err != nil {
		return "", err
	}
	s, _ := result["status"].(string)
	return s, nil
}

// ListActiveProjectsWithAgents returns every active project and its
// assigned agents. rootAgentID is forwarded for multi-device setups and may
// be empty.
func (c *Client) ListActiveProjectsWithAgents(ctx context.Context, rootAgentID string) ([]types.ProjectDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := map[string]any{}
	if rootAgentID != "" {
		args["root_agent_id"] = rootAgentID
	}

	result, err := c.call(ctx, MethodListActiveProjectsAgents, args)
	if err != nil {
		return nil, err
	}

	raw, _ := result["projects"].([]any)
	projects := make([]types.ProjectDescriptor, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		projects = append(projects, types.ProjectDescriptor{
			ProjectID:   stringField(m, "project_id"),
			ProjectName: stringField(m, "project_name"),
			WorkingDir:  stringField(m, "working_directory"),
			Agents:      stringSliceField(m, "agents"),
		})
	}
	return projects, nil
}

// GetAgentAction asks the server what to do for one (agent, project) pair.
func (c *Client) GetAgentAction(ctx context.Context, agentID, projectID string) (types.ActionDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	result, err := c.call(ctx, MethodGetAgentAction, map[string]any{
		"agent_id":   agentID,
		"project_id": projectID,
	})
	if err != nil {
		return types.ActionDecision{}, err
	}

	return types.ActionDecision{
		Action:      types.ActionKind(stringField(result, "action")),
		Reason:      stringField(result, "reason"),
		Provider:    types.Provider(stringField(result, "provider")),
		Model:       stringField(result, "model"),
		KickCommand: stringField(result, "kick_command"),
		TaskID:      stringField(result, "task_id"),
	}, nil
}

// RegisterExecutionLogFile tells the server the on-disk path of an
// instance's completed log, used for out-of-band retrieval when upload is
// not configured or fails permanently.
func (c *Client) RegisterExecutionLogFile(ctx context.Context, agentID, taskID, logFilePath string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := c.call(ctx, MethodRegisterExecutionLogFile, map[string]any{
		"agent_id":      agentID,
		"task_id":       taskID,
		"log_file_path": logFilePath,
	})
	return err
}

// InvalidateSession releases the server's sticky session for (agent,
// project) so a future get_agent_action can return start again.
func (c *Client) InvalidateSession(ctx context.Context, agentID, projectID string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := c.call(ctx, MethodInvalidateSession, map[string]any{
		"agent_id":   agentID,
		"project_id": projectID,
	})
	return err
}

// ReportAgentError forwards a child's extracted tail error line to the server.
func (c *Client) ReportAgentError(ctx context.Context, agentID, projectID, errorMessage string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := c.call(ctx, MethodReportAgentError, map[string]any{
		"agent_id":      agentID,
		"project_id":    projectID,
		"error_message": errorMessage,
	})
	return err
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSliceField(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
