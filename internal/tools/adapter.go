package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"medconsult/internal/metrics"
	"medconsult/pkg"
)

// Payload carries the inputs a tool may need. Adapters read only the fields
// that apply to them.
type Payload struct {
	FileRef   string
	PatientID string
	Query     string
	TopK      int
}

// Adapter is the uniform invocation surface over one external tool. An
// adapter translates its service's native failures into a ToolResult failure
// and must never return a payload and a failure at the same time.
type Adapter interface {
	Name() pkg.ToolName
	Invoke(ctx context.Context, p Payload) pkg.ToolResult
}

// Call pairs a tool with its payload for concurrent invocation.
type Call struct {
	Name    pkg.ToolName
	Payload Payload
}

// Registry dispatches to the closed set of registered adapters, applying the
// per-call timeout and normalizing anything that escapes an adapter.
type Registry struct {
	adapters map[pkg.ToolName]Adapter
	timeout  time.Duration
	log      *logrus.Logger
}

// NewRegistry builds a registry over the given adapters.
func NewRegistry(timeout time.Duration, log *logrus.Logger, adapters ...Adapter) *Registry {
	m := make(map[pkg.ToolName]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m, timeout: timeout, log: log}
}

// Invoke runs one tool under the registry timeout. A call that exceeds the
// timeout is a failure, not pending: the orchestrator never waits past it.
func (r *Registry) Invoke(ctx context.Context, name pkg.ToolName, p Payload) pkg.ToolResult {
	adapter, ok := r.adapters[name]
	if !ok {
		return pkg.Fail(name, pkg.ToolErrBadInput, fmt.Sprintf("unknown tool %q", name))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res := r.safeInvoke(ctx, adapter, p)
	res.Elapsed = time.Since(start)

	if !res.OK() {
		metrics.ToolFailures.WithLabelValues(string(name), string(res.Failure.Kind)).Inc()
		r.log.WithFields(logrus.Fields{
			"tool": name,
			"kind": res.Failure.Kind,
		}).Warn(res.Failure.Message)
	}
	return res
}

// InvokeAll runs the calls concurrently and joins on all of them: the turn
// proceeds only once every call has completed or failed. A timeout on one
// branch does not cancel its siblings.
func (r *Registry) InvokeAll(ctx context.Context, calls []Call) map[pkg.ToolName]pkg.ToolResult {
	results := make([]pkg.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c Call) {
			defer wg.Done()
			results[i] = r.Invoke(ctx, c.Name, c.Payload)
		}(i, c)
	}
	wg.Wait()

	out := make(map[pkg.ToolName]pkg.ToolResult, len(calls))
	for _, res := range results {
		out[res.Tool] = res
	}
	return out
}

// safeInvoke keeps adapter panics inside the tool boundary.
func (r *Registry) safeInvoke(ctx context.Context, adapter Adapter, p Payload) (res pkg.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = pkg.Fail(adapter.Name(), pkg.ToolErrInference, fmt.Sprintf("adapter panic: %v", rec))
		}
	}()
	return adapter.Invoke(ctx, p)
}
