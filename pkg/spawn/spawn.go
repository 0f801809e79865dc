/*
Package spawn implements launching one agent instance child process (the
control loop's spawn algorithm, spec §4.7.1): resolving the launch command,
building the prompt and MCP descriptor, choosing the log path, and starting
the OS process with its stdout/stderr redirected to that log from the first
byte.
*/
package spawn

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/aiagent-coordinator/pkg/config"
	"github.com/cuemby/aiagent-coordinator/pkg/types"
)

// Request describes one child to launch.
type Request struct {
	Key         types.InstanceKey
	Passkey     string
	WorkingDir  string
	Provider    types.Provider
	Model       string
	KickCommand string
	TaskID      string

	MCPSocketPath    string // socket path or http(s) URL, as configured
	CoordinatorToken string
	DebugMode        bool
}

type mcpServerDescriptor struct {
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Trust   bool              `json:"trust,omitempty"`
}

type mcpConfig struct {
	MCPServers map[string]mcpServerDescriptor `json:"mcpServers"`
}

// Launch resolves the command line, prepares the log file and any temp
// config/prompt files, and starts the child process. The returned record's
// Cmd has already been started; a goroutine owned by Launch is waiting on it
// and will close record.Exited when it exits.
func Launch(req Request, providers map[string]config.AIProviderConfig) (*types.InstanceRecord, error) {
	executable, args, err := resolveCommand(req, providers)
	if err != nil {
		return nil, err
	}

	prompt := buildPrompt(req.Key.AgentID)

	logPath, err := logFilePath(req.WorkingDir, req.Key.AgentID)
	if err != nil {
		return nil, fmt.Errorf("spawn: resolving log path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("spawn: creating log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spawn: opening log file: %w", err)
	}

	mcpConfigPath, promptFilePath, cmd, err := buildCommand(req, executable, args, prompt)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	cmd.Dir = req.WorkingDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"AGENT_ID="+req.Key.AgentID,
		"PROJECT_ID="+req.Key.ProjectID,
		"AGENT_PASSKEY="+req.Passkey,
		"WORKING_DIRECTORY="+req.WorkingDir,
	)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		if mcpConfigPath != "" {
			_ = os.Remove(mcpConfigPath)
		}
		if promptFilePath != "" {
			_ = os.Remove(promptFilePath)
		}
		return nil, fmt.Errorf("spawn: starting child: %w", err)
	}

	record := &types.InstanceRecord{
		Key:               req.Key,
		Cmd:               cmd,
		WorkingDir:        req.WorkingDir,
		Provider:          req.Provider,
		Model:             req.Model,
		StartedAt:         time.Now(),
		LogFile:           logFile,
		LogFilePath:       logPath,
		TaskID:            req.TaskID,
		MCPConfigFilePath: mcpConfigPath,
		PromptFilePath:    promptFilePath,
		ExecutionLogID:    uuid.NewString(),
		Exited:            make(chan struct{}),
	}

	go func(rec *types.InstanceRecord) {
		err := rec.Cmd.Wait()
		rec.ExitErr = err
		if rec.Cmd.ProcessState != nil {
			rec.ExitCode = rec.Cmd.ProcessState.ExitCode()
		} else if err != nil {
			rec.ExitCode = -1
		}
		close(rec.Exited)
	}(record)

	return record, nil
}

// resolveCommand implements step 1: kick_command (split on whitespace) takes
// priority; otherwise look up the provider table, falling back to claude.
func resolveCommand(req Request, providers map[string]config.AIProviderConfig) (string, []string, error) {
	if req.KickCommand != "" {
		fields := strings.Fields(req.KickCommand)
		if len(fields) == 0 {
			return "", nil, fmt.Errorf("spawn: empty kick_command")
		}
		return fields[0], fields[1:], nil
	}

	provider := string(req.Provider)
	spec, ok := providers[provider]
	if !ok {
		spec, ok = providers["claude"]
		if !ok {
			return "", nil, fmt.Errorf("spawn: no provider spec for %q and no claude default configured", provider)
		}
	}
	return spec.CLICommand, append([]string{}, spec.CLIArgs...), nil
}

// buildPrompt implements step 2: a fixed prompt template that never embeds
// the passkey literally.
func buildPrompt(agentID string) string {
	return fmt.Sprintf(
		"You are agent %s. Read AGENT_ID, AGENT_PASSKEY, and PROJECT_ID from your "+
			"environment. Call authenticate with those values, then loop on "+
			"get_next_action until instructed to stop.", agentID)
}

// logFilePath implements step 3.
func logFilePath(workingDir, agentID string) (string, error) {
	stamp := time.Now().Format("20060102_150405")
	if workingDir != "" {
		return filepath.Join(workingDir, ".aiagent", "logs", agentID, stamp+".log"), nil
	}

	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "aiagent-coordinator", "logs", agentID, stamp+".log"), nil
}

// buildCommand implements steps 4–6: the MCP connection descriptor, the
// command-line flag assembly, and the prompt-delivery matrix
// {argv-positional, argv-flag -p, stdin-piped-from-file} chosen by
// (provider, os), per the design notes in spec §9.
func buildCommand(req Request, executable string, args []string, prompt string) (mcpConfigPath, promptFilePath string, cmd *exec.Cmd, err error) {
	descriptor := buildMCPDescriptor(req)

	if req.Provider == types.ProviderGemini {
		if err := writeGeminiSettings(req.WorkingDir, descriptor); err != nil {
			return "", "", nil, err
		}
	} else {
		path, err := writeTempMCPConfig(descriptor)
		if err != nil {
			return "", "", nil, err
		}
		mcpConfigPath = path
		args = append(args, "--mcp-config", mcpConfigPath)
	}

	if req.Model != "" {
		if req.Provider == types.ProviderGemini {
			args = append(args, "-m", req.Model)
		} else {
			args = append(args, "--model", req.Model)
		}
	}

	if req.DebugMode {
		if req.Provider == types.ProviderGemini {
			args = append(args, "--debug")
		} else {
			args = append(args, "--verbose")
		}
	}

	delivery := promptDelivery(req.Provider, runtime.GOOS)
	switch delivery {
	case deliveryArgvPositional:
		args = append(args, prompt)
		cmd = exec.Command(executable, args...)

	case deliveryArgvFlag:
		args = append(args, "-p", prompt)
		cmd = exec.Command(executable, args...)

	case deliveryStdinPipedFromFile:
		promptFilePath, err = writeTempPromptFile(prompt)
		if err != nil {
			return mcpConfigPath, "", nil, err
		}
		shellCmd := fmt.Sprintf("type %q | %s", promptFilePath, quoteArgs(executable, args))
		cmd = exec.Command("cmd", "/C", shellCmd)
	}

	return mcpConfigPath, promptFilePath, cmd, nil
}

func buildMCPDescriptor(req Request) mcpConfig {
	var server mcpServerDescriptor
	if strings.HasPrefix(req.MCPSocketPath, "http://") || strings.HasPrefix(req.MCPSocketPath, "https://") {
		server = mcpServerDescriptor{Type: "http", URL: req.MCPSocketPath}
		if req.CoordinatorToken != "" {
			server.Headers = map[string]string{"Authorization": "Bearer " + req.CoordinatorToken}
		}
	} else {
		server = mcpServerDescriptor{Command: "nc", Args: []string{"-U", req.MCPSocketPath}}
	}
	if req.Provider == types.ProviderGemini {
		server.Trust = true
	}
	return mcpConfig{MCPServers: map[string]mcpServerDescriptor{"agent-pm": server}}
}

// writeGeminiSettings writes the mcpServers block as-is; trust is carried
// per-server on mcpServerDescriptor.Trust (set in buildMCPDescriptor), not as
// a sibling key, per original_source/runner/src/aiagent_runner/coordinator.py.
func writeGeminiSettings(workingDir string, descriptor mcpConfig) error {
	dir := filepath.Join(workingDir, ".gemini")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("spawn: creating .gemini directory: %w", err)
	}

	payload := map[string]any{
		"mcpServers": descriptor.MCPServers,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("spawn: encoding gemini settings: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644)
}

func writeTempMCPConfig(descriptor mcpConfig) (string, error) {
	data, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("spawn: encoding mcp config: %w", err)
	}
	f, err := os.CreateTemp("", "mcp-config-*.json")
	if err != nil {
		return "", fmt.Errorf("spawn: creating mcp config temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("spawn: writing mcp config temp file: %w", err)
	}
	return f.Name(), nil
}

func writeTempPromptFile(prompt string) (string, error) {
	f, err := os.CreateTemp("", "prompt-*.txt")
	if err != nil {
		return "", fmt.Errorf("spawn: creating prompt temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(prompt); err != nil {
		return "", fmt.Errorf("spawn: writing prompt temp file: %w", err)
	}
	return f.Name(), nil
}

type promptDeliveryMode int

const (
	deliveryArgvPositional promptDeliveryMode = iota
	deliveryArgvFlag
	deliveryStdinPipedFromFile
)

// promptDelivery implements the (provider, os) matrix from spec §9: some
// child CLIs accept a prompt only via stdin on Windows because multi-line
// command-line arguments break the shell there.
func promptDelivery(provider types.Provider, goos string) promptDeliveryMode {
	if goos == "windows" && (provider == types.ProviderGemini || provider == types.ProviderClaude) {
		return deliveryStdinPipedFromFile
	}
	if provider == types.ProviderGemini {
		return deliveryArgvPositional
	}
	return deliveryArgvFlag
}

func quoteArgs(executable string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, fmt.Sprintf("%q", executable))
	for _, a := range args {
		parts = append(parts, fmt.Sprintf("%q", a))
	}
	return strings.Join(parts, " ")
}
