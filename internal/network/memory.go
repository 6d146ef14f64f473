package network

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// Operation names recorded by Memory
const (
	OpEnsureBridge  = "EnsureBridge"
	OpEnsureAddress = "EnsureAddress"
	OpSetLinkUp     = "SetLinkUp"
	OpDeleteBridge  = "DeleteBridge"
	OpObserve       = "Observe"
)

// Call is one recorded adapter invocation
type Call struct {
	Op     string
	Link   string
	Prefix netip.Prefix
}

// Mutating reports whether the call can change kernel state
func (c Call) Mutating() bool {
	return c.Op != OpObserve
}

type memLink struct {
	name   string
	kind   string
	index  int
	up     bool
	addrs  []netip.Prefix
	master int
}

// Memory is an in-process kernel simulation. It backs unprivileged
// development and records every call for tests.
type Memory struct {
	mu     sync.Mutex
	links  map[string]*memLink
	next   int
	calls  []Call
	faults map[string][]error
	onCall func(Call)
}

var _ Adapter = (*Memory)(nil)

// NewMemory returns an empty simulated kernel. Index 1 is taken by lo.
func NewMemory() *Memory {
	m := &Memory{
		links:  map[string]*memLink{},
		next:   1,
		faults: map[string][]error{},
	}
	m.AddLink("lo", "device")
	m.links["lo"].up = true
	return m
}

// OnCall registers fn to run after every call returns.
func (m *Memory) OnCall(fn func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCall = fn
}

// FailNext makes the next call to op fail with err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// Calls returns every recorded call
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Mutations returns the recorded calls that can change state
func (m *Memory) Mutations() []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Mutating() {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// AddLink creates a link of any kind out of band, as a hypervisor or an
// operator would. It returns the new index.
func (m *Memory) AddLink(name, kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(name, kind)
}

func (m *Memory) addLocked(name, kind string) int {
	l := &memLink{name: name, kind: kind, index: m.next}
	m.next++
	m.links[name] = l
	return l.index
}

// SetMaster enslaves port to bridge; an empty bridge releases it.
func (m *Memory) SetMaster(port, bridge string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.links[port]
	if !ok {
		return fmt.Errorf("no link %s", port)
	}
	if bridge == "" {
		p.master = 0
		return nil
	}
	b, ok := m.links[bridge]
	if !ok {
		return fmt.Errorf("no link %s", bridge)
	}
	p.master = b.index
	return nil
}

// SetDown brings a link down out of band
func (m *Memory) SetDown(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[name]; ok {
		l.up = false
	}
}

// FlushAddresses removes every address from a link out of band
func (m *Memory) FlushAddresses(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[name]; ok {
		l.addrs = nil
	}
}

// AddAddress assigns an address out of band
func (m *Memory) AddAddress(name string, prefix netip.Prefix) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[name]; ok {
		l.addrs = append(l.addrs, prefix)
	}
}

// RemoveLink deletes a link out of band
func (m *Memory) RemoveLink(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, name)
}

// Link returns the current state of a link
func (m *Memory) Link(name string) (Observation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	if !ok {
		return Observation{}, false
	}
	return l.observe(), true
}

func (l *memLink) observe() Observation {
	return Observation{
		Exists:    true,
		LinkIndex: l.index,
		Kind:      l.kind,
		Up:        l.up,
		Addresses: append([]netip.Prefix(nil), l.addrs...),
	}
}

// begin records the call and pops a queued fault. Callers hold m.mu.
func (m *Memory) begin(c Call) error {
	m.calls = append(m.calls, c)
	if queued := m.faults[c.Op]; len(queued) > 0 {
		m.faults[c.Op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Memory) finish(c Call) {
	m.mu.Lock()
	fn := m.onCall
	m.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (m *Memory) byIndex(index int) *memLink {
	for _, l := range m.links {
		if l.index == index {
			return l
		}
	}
	return nil
}

func (m *Memory) EnsureBridge(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c := Call{Op: OpEnsureBridge, Link: name}
	defer m.finish(c)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(c); err != nil {
		return 0, err
	}

	if l, ok := m.links[name]; ok {
		if l.kind != KindBridge {
			return 0, newError(OpEnsureBridge, name, ErrWrongLinkType, fmt.Errorf("found %s", l.kind))
		}
		return l.index, nil
	}
	return m.addLocked(name, KindBridge), nil
}

func (m *Memory) EnsureAddress(ctx context.Context, linkIndex int, prefix netip.Prefix) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	l := m.byIndex(linkIndex)
	c := Call{Op: OpEnsureAddress, Prefix: prefix}
	if l != nil {
		c.Link = l.name
	}
	defer m.finish(c)
	defer m.mu.Unlock()

	if err := m.begin(c); err != nil {
		return err
	}
	if l == nil {
		return newError(OpEnsureAddress, fmt.Sprintf("index %d", linkIndex), ErrLinkNotFound, nil)
	}

	for _, p := range l.addrs {
		if p == prefix {
			return nil
		}
		if p.Addr().Is4() == prefix.Addr().Is4() {
			return newError(OpEnsureAddress, l.name, ErrAddressConflict, fmt.Errorf("has %s, want %s", p, prefix))
		}
	}
	l.addrs = append(l.addrs, prefix)
	return nil
}

func (m *Memory) SetLinkUp(ctx context.Context, linkIndex int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	l := m.byIndex(linkIndex)
	c := Call{Op: OpSetLinkUp}
	if l != nil {
		c.Link = l.name
	}
	defer m.finish(c)
	defer m.mu.Unlock()

	if err := m.begin(c); err != nil {
		return err
	}
	if l == nil {
		return newError(OpSetLinkUp, fmt.Sprintf("index %d", linkIndex), ErrLinkNotFound, nil)
	}
	l.up = true
	return nil
}

func (m *Memory) DeleteBridge(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := Call{Op: OpDeleteBridge, Link: name}
	defer m.finish(c)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(c); err != nil {
		return err
	}

	l, ok := m.links[name]
	if !ok {
		return nil
	}
	if l.kind != KindBridge {
		return newError(OpDeleteBridge, name, ErrWrongLinkType, fmt.Errorf("found %s", l.kind))
	}
	var ports []string
	for _, other := range m.links {
		if other.master == l.index {
			ports = append(ports, other.name)
		}
	}
	if len(ports) > 0 {
		return newError(OpDeleteBridge, name, ErrInUse, fmt.Errorf("ports %v", ports))
	}
	delete(m.links, name)
	return nil
}

func (m *Memory) Observe(ctx context.Context, name string) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	c := Call{Op: OpObserve, Link: name}
	defer m.finish(c)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(c); err != nil {
		return Observation{}, err
	}

	l, ok := m.links[name]
	if !ok {
		return Observation{}, nil
	}
	return l.observe(), nil
}
