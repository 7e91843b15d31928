package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrCapabilityNotFound is returned by Invoke for unregistered names.
	ErrCapabilityNotFound = errors.New("capability not found")
)

// Capability is a named operation any holder of the bus can invoke.
type Capability interface {
	Name() string
	Description() string
	// Parameters describes the accepted params: name -> human description.
	Parameters() map[string]string
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// ExecutionError is the failure type capabilities return.
type ExecutionError struct {
	Capability string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("capability %s: %v", e.Capability, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// wrapExecution returns err as an *ExecutionError for capability name,
// leaving nil and already-wrapped errors alone.
func wrapExecution(name string, err error) error {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	return &ExecutionError{Capability: name, Err: err}
}

// CapabilityFunc adapts a function into a Capability.
type CapabilityFunc struct {
	ID     string
	Desc   string
	Params map[string]string
	Fn     func(ctx context.Context, params map[string]any) (any, error)
}

func (c CapabilityFunc) Name() string                  { return c.ID }
func (c CapabilityFunc) Description() string           { return c.Desc }
func (c CapabilityFunc) Parameters() map[string]string { return c.Params }

// Invoke calls Fn. Failures come back as *ExecutionError.
func (c CapabilityFunc) Invoke(ctx context.Context, params map[string]any) (any, error) {
	out, err := c.Fn(ctx, params)
	return out, wrapExecution(c.ID, err)
}

// RegisterCapability adds c. A later registration under the same name replaces the earlier one.
func (b *Bus) RegisterCapability(c Capability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caps[c.Name()] = c
}

// Capability looks up a registered capability by name.
func (b *Bus) Capability(name string) (Capability, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.caps[name]
	return c, ok
}

// Capabilities returns the sorted names of all registered capabilities.
func (b *Bus) Capabilities() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.caps))
	for name := range b.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the named capability on behalf of callerID. The call and its
// outcome are recorded in history. Failures are returned as *ExecutionError,
// so callers can tell a failed capability from a missing one.
func (b *Bus) Invoke(ctx context.Context, name string, params map[string]any, callerID string) (any, error) {
	c, ok := b.Capability(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
	}

	req := Message{
		From:    callerID,
		Kind:    KindRequest,
		Action:  ActionCapabilityInvoke,
		Payload: InvocationRecord{Capability: name, Caller: callerID, Params: params},
	}
	req.ID = newID()
	b.Publish(req)

	start := time.Now()
	result, err := c.Invoke(ctx, params)
	err = wrapExecution(name, err)
	rec := InvocationRecord{
		Capability: name,
		Caller:     callerID,
		Params:     params,
		Result:     result,
		Err:        err,
		Duration:   time.Since(start),
	}

	kind := KindResponse
	if err != nil {
		kind = KindError
	}
	b.Publish(Message{
		From:          name,
		Kind:          kind,
		Action:        ActionCapabilityResult,
		Payload:       rec,
		CorrelationID: req.ID,
	})

	return result, err
}
