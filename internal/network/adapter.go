// Package network converges kernel link state. Adapters are stateless and
// every call re-reads the kernel, so they can be used from any goroutine.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

// KindBridge is the link type reported for Linux bridges
const KindBridge = "bridge"

// Adapter is the set of kernel primitives the reconciler needs. Every method
// is idempotent.
type Adapter interface {
	// EnsureBridge creates the bridge if absent and returns its link index.
	EnsureBridge(ctx context.Context, name string) (int, error)
	// EnsureAddress assigns prefix to the link unless already present.
	EnsureAddress(ctx context.Context, linkIndex int, prefix netip.Prefix) error
	// SetLinkUp brings the link administratively up.
	SetLinkUp(ctx context.Context, linkIndex int) error
	// DeleteBridge removes the bridge. An absent bridge is not an error.
	DeleteBridge(ctx context.Context, name string) error
	// Observe reports the current state of the named link.
	Observe(ctx context.Context, name string) (Observation, error)
}

// Observation is a point-in-time view of one link
type Observation struct {
	Exists    bool
	LinkIndex int
	Kind      string
	Up        bool
	Addresses []netip.Prefix // global-scope addresses only
}

// HasAddress reports whether prefix is assigned to the link
func (o Observation) HasAddress(prefix netip.Prefix) bool {
	for _, p := range o.Addresses {
		if p == prefix {
			return true
		}
	}
	return false
}

var (
	// ErrPermissionDenied means the process lacks CAP_NET_ADMIN
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotSupported means the kernel or platform lacks the primitive
	ErrNotSupported = errors.New("operation not supported")

	// ErrBusy is a transient kernel condition worth retrying
	ErrBusy = errors.New("resource busy")

	// ErrAddressConflict means the link carries a different primary address
	// of the same family
	ErrAddressConflict = errors.New("address conflict")

	// ErrWrongLinkType means a link with the name exists but is not a bridge
	ErrWrongLinkType = errors.New("link exists with a different type")

	// ErrInUse means ports are still enslaved to the bridge
	ErrInUse = errors.New("bridge has enslaved ports")

	// ErrLinkNotFound means the link index no longer exists
	ErrLinkNotFound = errors.New("link not found")
)

// Error carries the failed operation, the link it touched and the
// classified cause.
type Error struct {
	Op   string
	Link string
	Kind error // one of the sentinel errors above, or nil if unclassified
	Err  error // underlying error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Link, e.Kind)
	}
	if e.Kind == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Link, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Link, e.Kind, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(op, link string, kind, err error) *Error {
	return &Error{Op: op, Link: link, Kind: kind, Err: err}
}

// IsTransient reports whether err is worth retrying without operator action.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, context.DeadlineExceeded)
}
