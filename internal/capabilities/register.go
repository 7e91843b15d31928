// Package capabilities registers the reusable operations the engine and the
// resolver invoke through the bus: filesystem, command execution, sandboxes
// and datasets.
package capabilities

import (
	"net/http"
	"time"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/runner"
	"github.com/aristath/forge/internal/sandbox"
)

// Deps are the collaborators behind the capabilities.
type Deps struct {
	Runner          runner.Runner   // required
	Sandbox         sandbox.Manager // nil leaves sandbox.exec and env.* unregistered
	HTTPClient      *http.Client    // default: 5 minute timeout
	Locks           *PathLocks
	MaxDatasetBytes int64
}

// Register adds every capability backed by d to b.
func Register(b *bus.Bus, d Deps) {
	if d.Locks == nil {
		d.Locks = NewPathLocks()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if d.MaxDatasetBytes <= 0 {
		d.MaxDatasetBytes = defaultMaxDatasetBytes
	}

	registerFS(b, d.Locks)
	registerCommand(b, d.Runner)
	registerDatasets(b, &datasets{
		client:   d.HTTPClient,
		run:      d.Runner,
		locks:    d.Locks,
		maxBytes: d.MaxDatasetBytes,
	})
	if d.Sandbox != nil {
		registerSandbox(b, d.Sandbox)
	}
}
