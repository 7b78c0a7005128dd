// Package diag provides a minimal diagnostics registry that
// components can register themselves against, giving an external
// health-check collaborator a single place to query liveness from.
package diag

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Pinger is implemented by anything that can report its own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Diagnostics is a registry of named, pingable components.
type Diagnostics struct {
	mu   sync.Mutex
	subs map[string]Pinger
}

// New constructs a Diagnostics registry. The returned cleanup function
// is a no-op placeholder kept for symmetry with the other Provide*
// constructors that return a cleanup callback.
func New(_ context.Context) (*Diagnostics, func()) {
	return &Diagnostics{subs: make(map[string]Pinger)}, func() {}
}

// Register associates a name with a Pinger. It is an error to reuse a
// name.
func (d *Diagnostics) Register(name string, p Pinger) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.subs[name]; found {
		return errors.Errorf("diagnostic %q already registered", name)
	}
	d.subs[name] = p
	return nil
}

// CheckAll pings every registered component and returns each one's
// result keyed by its registered name (nil for a healthy component),
// so that the caller can log every failure if desired.
func (d *Diagnostics) CheckAll(ctx context.Context) map[string]error {
	d.mu.Lock()
	subs := make(map[string]Pinger, len(d.subs))
	for k, v := range d.subs {
		subs[k] = v
	}
	d.mu.Unlock()

	ret := make(map[string]error, len(subs))
	for name, p := range subs {
		ret[name] = p.Ping(ctx)
	}
	return ret
}
