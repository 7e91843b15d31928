package scheduler

import (
	"fmt"
	"time"
)

// TaskType is the closed set of task kinds a plan may contain.
type TaskType string

const (
	TypeCreateDirectory     TaskType = "create-directory"
	TypeCreateFile          TaskType = "create-file"
	TypeRunCommand          TaskType = "run-command"
	TypeWriteAssessmentDoc  TaskType = "write-assessment-doc"
	TypeFetchDataset        TaskType = "fetch-dataset"
	TypeSetupEnvironment    TaskType = "setup-environment"
	TypeInstallDependencies TaskType = "install-dependencies"
	TypeCreateVirtualEnv    TaskType = "create-virtual-env"
	TypeRunValidation       TaskType = "run-validation"
)

// AllTaskTypes lists every TaskType. The engine refuses to start unless each has a handler.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TypeCreateDirectory,
		TypeCreateFile,
		TypeRunCommand,
		TypeWriteAssessmentDoc,
		TypeFetchDataset,
		TypeSetupEnvironment,
		TypeInstallDependencies,
		TypeCreateVirtualEnv,
		TypeRunValidation,
	}
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, known := range AllTaskTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Task is a unit of work. Tasks are not mutated once enqueued; retries use Derive.
type Task struct {
	ID          string         `yaml:"id" json:"id"`
	Type        TaskType       `yaml:"type" json:"type"`
	Path        string         `yaml:"path,omitempty" json:"path,omitempty"`
	Content     string         `yaml:"content,omitempty" json:"content,omitempty"`
	Command     string         `yaml:"command,omitempty" json:"command,omitempty"`
	WorkingDir  string         `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Description string         `yaml:"description" json:"description"`
	Priority    int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	DependsOn   []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Override carries the fields a retry task replaces. Empty fields keep the original value.
type Override struct {
	Command     string
	Content     string
	Description string
	Metadata    map[string]any
}

// RetryID returns the attempt id of the n-th retry of taskID.
func RetryID(taskID string, n int) string {
	return fmt.Sprintf("%s_retry_%d", taskID, n)
}

// Derive clones t into the n-th retry task: new id, same type and dependencies.
// Metadata keys in o.Metadata are layered over the original metadata.
func (t *Task) Derive(n int, o Override) *Task {
	cp := cloneTask(t)
	cp.ID = RetryID(t.ID, n)
	if o.Command != "" {
		cp.Command = o.Command
	}
	if o.Content != "" {
		cp.Content = o.Content
	}
	if o.Description != "" {
		cp.Description = o.Description
	} else {
		cp.Description = fmt.Sprintf("%s (retry %d)", t.Description, n)
	}
	if len(o.Metadata) > 0 {
		if cp.Metadata == nil {
			cp.Metadata = make(map[string]any, len(o.Metadata))
		}
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// MetaString returns a string metadata value, or "" if absent or not a string.
func (t *Task) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	s, _ := t.Metadata[key].(string)
	return s
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Metadata != nil {
		cp.Metadata = make(map[string]any, len(task.Metadata))
		for k, v := range task.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ExecutionResult is the outcome of one dispatch. It is never mutated after it is returned.
type ExecutionResult struct {
	TaskID    string // original task id
	AttemptID string // id that was dispatched (original or <id>_retry_<n>)
	Success   bool
	Output    string
	Error     string
	Task      *Task
	Duration  time.Duration
}

// Resolution is the verdict of the error resolution engine for one failed attempt.
type Resolution struct {
	Fixed           bool           `json:"fixed"`
	RetryCommand    string         `json:"retry_command,omitempty"`
	RetryContent    string         `json:"retry_content,omitempty"`
	RetryMetadata   map[string]any `json:"retry_metadata,omitempty"`
	Analysis        string         `json:"error_analysis"`
	Recommendations []string       `json:"recommendations"`

	Tier      string        `json:"-"` // "rules", "fallback", "ai" or "" when short-circuited
	Exhausted bool          `json:"-"` // attempt budget used up
	Skip      bool          `json:"-"` // accept degraded completion without re-running
	Backoff   time.Duration `json:"-"` // wait before re-queueing a command-less task
}

// HasRetryAction reports whether the resolution carries a corrected action for a derived retry task.
func (r Resolution) HasRetryAction() bool {
	return r.RetryCommand != "" || r.RetryContent != "" || len(r.RetryMetadata) > 0
}

// ResolveRequest is the input of a resolution attempt. Attempt is the number
// of resolution attempts already consumed by the task (0 on first failure).
type ResolveRequest struct {
	Task        *Task
	Error       string
	Attempt     int
	WorkContext map[string]any
}
