// Package executor defines the contract between the server core and the
// agent implementation. The core owns queues and persistence; executors
// only emit events.
package executor

import (
	"context"

	"github.com/relaymesh/relay/internal/a2a"
)

// Queue is the executor's outbound surface: the main event queue of the
// task being executed, possibly wrapped by extensions.
type Queue interface {
	// Enqueue submits an event. Blocks under backpressure.
	Enqueue(ctx context.Context, event a2a.Event) error
	// TaskID returns the task the queue belongs to.
	TaskID() string
}

// RequestContext carries everything an executor needs for one request:
// the triggering message, the ids bound to it, and the task snapshot
// when the message continues an existing task.
type RequestContext struct {
	TaskID        string
	ContextID     string
	Message       *a2a.Message
	Task          *a2a.Task
	Configuration *a2a.MessageSendConfiguration
	// Extensions lists the extension URIs the caller activated.
	Extensions []string
	Metadata   map[string]any
}

// HasExtension reports whether the caller requested the extension URI.
func (r *RequestContext) HasExtension(uri string) bool {
	for _, e := range r.Extensions {
		if e == uri {
			return true
		}
	}
	return false
}

// AgentExecutor runs the agent's logic for a task. Execute emits events
// on the queue until the task reaches a final or interrupted state;
// Cancel asks a running execution to stop and emit a canceled status.
// Implementations never persist; all state flows through events.
type AgentExecutor interface {
	Execute(ctx context.Context, reqCtx *RequestContext, queue Queue) error
	Cancel(ctx context.Context, reqCtx *RequestContext, queue Queue) error
}

// Wrapper decorates the queue handed to an executor. A wrapper activates
// per request when its extension URI is present in the request context.
type Wrapper interface {
	ExtensionURI() string
	Wrap(reqCtx *RequestContext, queue Queue) Queue
}

// WithWrappers decorates exec so each request's queue passes through the
// wrappers whose extensions the caller activated, in the given order.
func WithWrappers(exec AgentExecutor, wrappers ...Wrapper) AgentExecutor {
	if len(wrappers) == 0 {
		return exec
	}
	return &wrappedExecutor{inner: exec, wrappers: wrappers}
}

type wrappedExecutor struct {
	inner    AgentExecutor
	wrappers []Wrapper
}

func (w *wrappedExecutor) Execute(ctx context.Context, reqCtx *RequestContext, queue Queue) error {
	return w.inner.Execute(ctx, reqCtx, w.wrap(reqCtx, queue))
}

func (w *wrappedExecutor) Cancel(ctx context.Context, reqCtx *RequestContext, queue Queue) error {
	return w.inner.Cancel(ctx, reqCtx, w.wrap(reqCtx, queue))
}

func (w *wrappedExecutor) wrap(reqCtx *RequestContext, queue Queue) Queue {
	for _, wrapper := range w.wrappers {
		if reqCtx.HasExtension(wrapper.ExtensionURI()) {
			queue = wrapper.Wrap(reqCtx, queue)
		}
	}
	return queue
}
