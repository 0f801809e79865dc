package spawn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aiagent-coordinator/pkg/config"
	"github.com/cuemby/aiagent-coordinator/pkg/types"
)

func TestLaunchKickCommandWritesLogAndRecordsExit(t *testing.T) {
	workingDir := t.TempDir()
	req := Request{
		Key:           types.InstanceKey{AgentID: "agt_developer", ProjectID: "proj-1"},
		Passkey:       "secret",
		WorkingDir:    workingDir,
		Provider:      types.ProviderClaude,
		KickCommand:   "sh -c \"echo hello; exit 3\"",
		TaskID:        "T1",
		MCPSocketPath: "/tmp/does-not-matter.sock",
	}

	rec, err := Launch(req, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	defer os.Remove(rec.MCPConfigFilePath)

	select {
	case <-rec.Exited:
	case <-time.After(2 * time.Second):
		t.Fatal("child never exited")
	}

	assert.Equal(t, 3, rec.ExitCode)
	assert.FileExists(t, rec.LogFilePath)
	assert.Equal(t, filepath.Join(workingDir, ".aiagent", "logs", "agt_developer"), filepath.Dir(rec.LogFilePath))

	data, err := os.ReadFile(rec.LogFilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	assert.NotEmpty(t, rec.ExecutionLogID)
	assert.NotEmpty(t, rec.MCPConfigFilePath)
}

func TestResolveCommandPrefersKickCommand(t *testing.T) {
	req := Request{KickCommand: "claude --dangerously-skip-permissions"}
	exe, args, err := resolveCommand(req, nil)
	require.NoError(t, err)
	assert.Equal(t, "claude", exe)
	assert.Equal(t, []string{"--dangerously-skip-permissions"}, args)
}

func TestResolveCommandFallsBackToClaudeProvider(t *testing.T) {
	providers := map[string]config.AIProviderConfig{
		"claude": {CLICommand: "claude", CLIArgs: []string{"--flag"}},
	}
	req := Request{Provider: types.Provider("unknown")}
	exe, args, err := resolveCommand(req, providers)
	require.NoError(t, err)
	assert.Equal(t, "claude", exe)
	assert.Equal(t, []string{"--flag"}, args)
}

func TestResolveCommandErrorsWithoutAnyProvider(t *testing.T) {
	req := Request{Provider: types.Provider("unknown")}
	_, _, err := resolveCommand(req, map[string]config.AIProviderConfig{})
	assert.Error(t, err)
}

func TestPromptDeliveryMatrix(t *testing.T) {
	assert.Equal(t, deliveryStdinPipedFromFile, promptDelivery(types.ProviderClaude, "windows"))
	assert.Equal(t, deliveryStdinPipedFromFile, promptDelivery(types.ProviderGemini, "windows"))
	assert.Equal(t, deliveryArgvPositional, promptDelivery(types.ProviderGemini, "linux"))
	assert.Equal(t, deliveryArgvFlag, promptDelivery(types.ProviderClaude, "linux"))
}

func TestBuildMCPDescriptorHTTP(t *testing.T) {
	req := Request{MCPSocketPath: "https://mcp.example.com/rpc", CoordinatorToken: "tok"}
	descriptor := buildMCPDescriptor(req)
	server := descriptor.MCPServers["agent-pm"]
	assert.Equal(t, "http", server.Type)
	assert.Equal(t, "https://mcp.example.com/rpc", server.URL)
	assert.Equal(t, "Bearer tok", server.Headers["Authorization"])
}

func TestBuildMCPDescriptorUnixSocket(t *testing.T) {
	req := Request{MCPSocketPath: "/var/run/coordinator.sock"}
	descriptor := buildMCPDescriptor(req)
	server := descriptor.MCPServers["agent-pm"]
	assert.Equal(t, "nc", server.Command)
	assert.Equal(t, []string{"-U", "/var/run/coordinator.sock"}, server.Args)
}

func TestBuildMCPDescriptorGeminiCarriesTrustPerServer(t *testing.T) {
	req := Request{MCPSocketPath: "/var/run/coordinator.sock", Provider: types.ProviderGemini}
	descriptor := buildMCPDescriptor(req)
	server := descriptor.MCPServers["agent-pm"]
	assert.True(t, server.Trust)
}

func TestWriteGeminiSettingsNestsTrustUnderServer(t *testing.T) {
	workingDir := t.TempDir()
	req := Request{MCPSocketPath: "/var/run/coordinator.sock", Provider: types.ProviderGemini}

	require.NoError(t, writeGeminiSettings(workingDir, buildMCPDescriptor(req)))

	data, err := os.ReadFile(filepath.Join(workingDir, ".gemini", "settings.json"))
	require.NoError(t, err)

	var settings struct {
		MCPServers map[string]struct {
			Trust bool `json:"trust"`
		} `json:"mcpServers"`
		Trust *bool `json:"trust"`
	}
	require.NoError(t, json.Unmarshal(data, &settings))

	assert.Nil(t, settings.Trust, "trust must not be written at the document root")
	require.Contains(t, settings.MCPServers, "agent-pm")
	assert.True(t, settings.MCPServers["agent-pm"].Trust)
}
