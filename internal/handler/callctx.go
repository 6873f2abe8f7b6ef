package handler

import "sync"

// ServerCallContext carries per-call transport state into the handler:
// caller identity, tenant, requested protocol extensions, and a cancel
// callback the transport fires when the client disconnects.
type ServerCallContext struct {
	User            string
	TenantID        string
	ProtocolVersion string
	// Extensions lists the extension URIs the caller activated via the
	// extensions header.
	Extensions []string
	// Headers holds selected request headers for executor consumption.
	Headers map[string]string

	mu       sync.Mutex
	onCancel []func()
	canceled bool
}

// OnCancel registers a callback invoked when the call is canceled. If the
// call is already canceled the callback runs immediately.
func (c *ServerCallContext) OnCancel(fn func()) {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		fn()
		return
	}
	c.onCancel = append(c.onCancel, fn)
	c.mu.Unlock()
}

// Cancel marks the call canceled and runs registered callbacks once.
func (c *ServerCallContext) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	callbacks := c.onCancel
	c.onCancel = nil
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
