package types

import (
	"os"
	"os/exec"
	"time"
)

// InstanceKey identifies one (agent, project) orchestration unit. Equality
// and map-key hashing are structural.
type InstanceKey struct {
	AgentID   string
	ProjectID string
}

// CooldownKind distinguishes why a key is forbidden from relaunching.
type CooldownKind string

const (
	CooldownError CooldownKind = "error"
	CooldownQuota CooldownKind = "quota"
)

// CooldownEntry bans relaunch of a key until Deadline.
type CooldownEntry struct {
	Key      InstanceKey
	Deadline time.Time
	Reason   string
	Kind     CooldownKind
}

// Provider identifies which AI CLI launches a given instance.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
	ProviderOther  Provider = "other"
)

// InstanceRecord is one currently-running child process.
//
// The log file handle and any temp files are owned by the record for its
// entire lifetime: they are opened/created at spawn time and released only
// when the record is removed from the registry (reap, stop, or shutdown).
type InstanceRecord struct {
	Key InstanceKey

	Cmd        *exec.Cmd
	WorkingDir string
	Provider   Provider
	Model      string // optional
	StartedAt  time.Time

	// Exited is closed exactly once, by the goroutine that owns Cmd.Wait(),
	// when the process has exited. ExitCode and ExitErr are only meaningful
	// after Exited is closed.
	Exited   chan struct{}
	ExitCode int
	ExitErr  error

	LogFile     *os.File
	LogFilePath string

	TaskID string // optional

	MCPConfigFilePath string // optional, unlinked at reap
	PromptFilePath    string // optional, unlinked at reap

	ExecutionLogID string // optional, used only for upload correlation
}

// ProjectDescriptor is one active project returned by the server, carrying
// the agents currently assigned work on it.
type ProjectDescriptor struct {
	ProjectID   string
	ProjectName string
	WorkingDir  string
	Agents      []string
}

// ActionKind is the server's per-tick instruction for one (agent, project).
type ActionKind string

const (
	ActionStart ActionKind = "start"
	ActionStop  ActionKind = "stop"
	ActionNone  ActionKind = "none"
)

// ActionDecision is returned by get_agent_action for one (agent, project).
type ActionDecision struct {
	Action      ActionKind
	Reason      string
	Provider    Provider
	Model       string
	KickCommand string // overrides provider lookup when set
	TaskID      string
}

// ProviderSpec is how one AI provider's CLI is launched.
type ProviderSpec struct {
	CLICommand string
	CLIArgs    []string
}

// PendingUploadTask tracks one in-flight background log upload, keyed by
// ExecutionLogID in the uploader's pending map.
type PendingUploadTask struct {
	ExecutionLogID string
	AgentID        string
	ProjectID      string
	TaskID         string
	LogFilePath    string
}
