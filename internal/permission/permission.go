// Package permission defines the gate that must pass before a scan is issued.
//
// The actual platform negotiation is done by an external collaborator; this
// package only fixes the contract and ships config-driven gates.
package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Capability is a runtime permission the radio needs
type Capability string

const (
	BluetoothScan    Capability = "bluetooth_scan"
	BluetoothConnect Capability = "bluetooth_connect"
	CoarseLocation   Capability = "coarse_location"
	Notifications    Capability = "notifications"
)

// Known lists every capability the gate understands
var Known = []Capability{BluetoothScan, BluetoothConnect, CoarseLocation, Notifications}

// ParseCapability validates a capability name
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range Known {
		if c == k {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// DeniedError reports the capabilities the user refused
type DeniedError struct {
	Denied []Capability
}

func (e *DeniedError) Error() string {
	names := make([]string, len(e.Denied))
	for i, c := range e.Denied {
		names[i] = string(c)
	}
	return fmt.Sprintf("permission denied: %s", strings.Join(names, ", "))
}

// IsDenied reports whether err is a permission denial
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

// Gate obtains affirmative grants. A nil error means every requested capability was granted.
type Gate interface {
	Request(ctx context.Context, caps []Capability) error
}

// GateFunc adapts a function to Gate
type GateFunc func(ctx context.Context, caps []Capability) error

func (f GateFunc) Request(ctx context.Context, caps []Capability) error {
	return f(ctx, caps)
}

// AllowAll grants everything; for platforms without runtime permissions
var AllowAll Gate = GateFunc(func(context.Context, []Capability) error { return nil })

// Static grants exactly the configured capabilities
type Static struct {
	mu      sync.RWMutex
	granted map[Capability]bool
}

// NewStatic creates a Static gate granting caps
func NewStatic(caps ...Capability) *Static {
	s := &Static{granted: make(map[Capability]bool, len(caps))}
	for _, c := range caps {
		s.granted[c] = true
	}
	return s
}

// Grant adds capabilities, as after the user accepts a platform prompt
func (s *Static) Grant(caps ...Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range caps {
		s.granted[c] = true
	}
}

// Revoke removes capabilities
func (s *Static) Revoke(caps ...Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range caps {
		delete(s.granted, c)
	}
}

// Request implements Gate
func (s *Static) Request(ctx context.Context, caps []Capability) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var denied []Capability
	for _, c := range caps {
		if !s.granted[c] {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return &DeniedError{Denied: denied}
	}
	return nil
}

// Requirements says which optional capabilities the platform needs beyond scan and connect
type Requirements struct {
	CoarseLocation bool
	Notifications  bool
}

// Required returns the capability list a start must obtain
func (r Requirements) Required() []Capability {
	caps := []Capability{BluetoothScan, BluetoothConnect}
	if r.CoarseLocation {
		caps = append(caps, CoarseLocation)
	}
	if r.Notifications {
		caps = append(caps, Notifications)
	}
	return caps
}
