package bus

import (
	"time"
)

// Kind classifies a message envelope.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
)

// Action constants for messages published by the bus itself and by the
// pipeline components.
const (
	ActionStateChanged     = "state.changed"
	ActionCapabilityInvoke = "capability.invoke"
	ActionCapabilityResult = "capability.result"
	ActionProgress         = "progress"
	ActionLog              = "log"
	ActionPhase            = "session.phase"
	ActionTaskResult       = "task.result"
	ActionResolution       = "task.resolution"
)

// Well-known shared state keys.
const (
	KeyPlan              = "plan"
	KeyJobContext        = "job_context"
	KeySession           = "session"
	KeyTechStack         = "tech_stack"
	KeyDatasetContext    = "dataset_context"
	KeyErrorContext      = "error_context"
	KeyExecutionProgress = "execution_progress"
	KeySandboxEnv        = "sandbox_env"
	KeySessionID         = "session_id"
)

// Capability names registered by the capabilities package and invoked by
// the engine and the resolver.
const (
	CapCreateDir         = "fs.create_dir"
	CapWriteFile         = "fs.write_file"
	CapReadFile          = "fs.read_file"
	CapRemove            = "fs.remove"
	CapStat              = "fs.stat"
	CapRunCommand        = "command.run"
	CapSandboxExec       = "sandbox.exec"
	CapEnvSetup          = "env.setup"
	CapEnvTeardown       = "env.teardown"
	CapDatasetFetch      = "dataset.fetch"
	CapDatasetSynthesize = "dataset.synthesize"
)

// Message is the bus envelope.
type Message struct {
	ID            string
	From          string // originating agent id
	Kind          Kind
	Action        string
	Payload       any
	Timestamp     time.Time
	CorrelationID string
}

// StateChange is the payload of ActionStateChanged notifications.
type StateChange struct {
	Key   string
	Value any
}

// Severity of a Notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Notification is the structured progress/log event consumed by UIs.
type Notification struct {
	Agent    string
	Severity Severity
	Message  string
	Progress *int // 0-100, nil when the event carries no progress
}

// CommandOutput is returned by command.run and sandbox.exec.
type CommandOutput struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// FileInfo is returned by fs.stat.
type FileInfo struct {
	Path   string
	Exists bool
	IsDir  bool
	Size   int64
}

// SandboxEnv is returned by env.setup and stored under KeySandboxEnv.
type SandboxEnv struct {
	ID    string
	Kind  string
	Dir   string
	Image string
}

// DatasetInfo is returned by dataset.fetch and dataset.synthesize and stored under KeyDatasetContext.
type DatasetInfo struct {
	Path   string
	Lines  int
	Source string // "remote", "command" or "synthetic"
}

// InvocationRecord is the payload of capability request/response messages.
type InvocationRecord struct {
	Capability string
	Caller     string
	Params     map[string]any
	Result     any
	Err        error
	Duration   time.Duration
}
