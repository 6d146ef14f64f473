// Package store holds the declarative resources and attachment records and
// notifies watchers after every committed change.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/repository"
)

// EventType names the kind of change a watcher is told about
type EventType string

const (
	EventCreated         EventType = "Created"
	EventUpdated         EventType = "Updated"
	EventStatus          EventType = "Status"
	EventDeletionPending EventType = "DeletionPending"
	EventRemoved         EventType = "Removed"
	EventAttached        EventType = "Attached"
	EventDetached        EventType = "Detached"
)

// Event describes one committed change
type Event struct {
	Type EventType
	Kind string
	Name string
	VM   string // set for attachment events
}

// Key returns the resource key the event refers to
func (e Event) Key() domain.ResourceKey {
	return domain.ResourceKey{Kind: e.Kind, Name: e.Name}
}

// Handler receives events. Handlers run synchronously on the writer's
// goroutine while the per-name lock is held, so they must not block or
// write to the store.
type Handler func(Event)

// Store is the system of record for resources and attachments.
type Store struct {
	resources   repository.ResourceRepository
	attachments repository.AttachmentRepository
	locks       *locker.Locker
	log         *logrus.Entry

	now    func() time.Time
	newUID func() string

	mu       sync.RWMutex
	handlers []Handler
}

// New creates a store on top of a migrated database
func New(db *sql.DB, log *logrus.Entry) *Store {
	return &Store{
		resources:   repository.NewResourceRepository(db),
		attachments: repository.NewAttachmentRepository(db),
		locks:       locker.New(),
		log:         log.WithField("component", "store"),
		now:         time.Now,
		newUID:      uuid.NewString,
	}
}

// Close releases cached statements
func (s *Store) Close() error {
	return s.resources.Close()
}

// Watch registers a handler for every future event
func (s *Store) Watch(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Store) emit(ev Event) {
	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()

	s.log.WithFields(logrus.Fields{"event": ev.Type, "key": ev.Key().String()}).Debug("store event")
	for _, h := range handlers {
		h(ev)
	}
}

func (s *Store) lock(kind, name string) func() {
	id := kind + "/" + name
	s.locks.Lock(id)
	return func() {
		if err := s.locks.Unlock(id); err != nil {
			s.log.WithError(err).WithField("key", id).Error("failed to unlock")
		}
	}
}

// Put creates or updates a resource from a submitted manifest. accepted is
// false when the stored spec already matches. Server-owned metadata and
// status in res are ignored.
func (s *Store) Put(ctx context.Context, res domain.Resource) (stored domain.Resource, accepted bool, err error) {
	if err := res.Validate(); err != nil {
		return domain.Resource{}, false, err
	}

	unlock := s.lock(res.Kind, res.Metadata.Name)
	defer unlock()

	current, err := s.resources.FindByID(ctx, res.Key())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		stored, err = s.create(ctx, res)
		if err != nil {
			return domain.Resource{}, false, err
		}
		defer s.emit(Event{Type: EventCreated, Kind: stored.Kind, Name: stored.Metadata.Name})
		return stored, true, nil
	case err != nil:
		return domain.Resource{}, false, err
	}

	if current.Deleting() {
		return domain.Resource{}, false, fmt.Errorf("%w: %s is being deleted", ErrConflict, current.Key())
	}
	if err := res.Spec.CheckUpdate(current.Spec); err != nil {
		if errors.Is(err, domain.ErrImmutable) {
			return domain.Resource{}, false, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return domain.Resource{}, false, err
	}

	same, err := specEqual(current.Spec, res.Spec)
	if err != nil {
		return domain.Resource{}, false, err
	}
	if same {
		return current, false, nil
	}

	// Status is left alone; observedGeneration < generation marks it stale.
	current.Spec = res.Spec
	current.Metadata.Generation++
	if _, err := s.resources.Save(ctx, current); err != nil {
		return domain.Resource{}, false, err
	}

	s.log.WithFields(logrus.Fields{"key": current.Key().String(), "generation": current.Metadata.Generation}).Info("resource updated")
	defer s.emit(Event{Type: EventUpdated, Kind: current.Kind, Name: current.Metadata.Name})
	return current, true, nil
}

func (s *Store) create(ctx context.Context, res domain.Resource) (domain.Resource, error) {
	now := s.now().UTC()
	res.Metadata = domain.Metadata{
		Name:              res.Metadata.Name,
		UID:               s.newUID(),
		Generation:        1,
		CreationTimestamp: &now,
	}
	res.Status = domain.Status{Phase: domain.PhasePending, LastTransitionTime: &now}

	if _, err := s.resources.Save(ctx, res); err != nil {
		return domain.Resource{}, err
	}
	s.log.WithField("key", res.Key().String()).Info("resource created")
	return res, nil
}

// Get returns the resource with its status
func (s *Store) Get(ctx context.Context, kind, name string) (domain.Resource, bool, error) {
	res, err := s.resources.FindByID(ctx, domain.ResourceKey{Kind: kind, Name: name})
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Resource{}, false, nil
	}
	if err != nil {
		return domain.Resource{}, false, err
	}
	return res, true, nil
}

// List returns the resources of a kind ordered by name
func (s *Store) List(ctx context.Context, kind string) ([]domain.Resource, error) {
	return s.resources.FindByKind(ctx, kind)
}

// Delete requests deletion. The resource stays visible in phase Deleting
// until the reconciler has torn down its kernel state and calls Remove.
func (s *Store) Delete(ctx context.Context, kind, name string) error {
	unlock := s.lock(kind, name)
	defer unlock()

	res, err := s.resources.FindByID(ctx, domain.ResourceKey{Kind: kind, Name: name})
	if err != nil {
		return err
	}
	if res.Deleting() {
		return nil
	}

	if kind == domain.KindBridge {
		count, err := s.attachments.CountActive(ctx, name)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s has %d active attachments", ErrInUse, res.Key(), count)
		}
	}

	now := s.now().UTC()
	res.Metadata.DeletionTimestamp = &now
	res.Status = s.transition(res.Status, domain.Status{
		ObservedGeneration: res.Status.ObservedGeneration,
		Phase:              domain.PhaseDeleting,
		LinkIndex:          res.Status.LinkIndex,
	})
	if _, err := s.resources.Save(ctx, res); err != nil {
		return err
	}

	s.log.WithField("key", res.Key().String()).Info("resource deletion requested")
	defer s.emit(Event{Type: EventDeletionPending, Kind: kind, Name: name})
	return nil
}

// UpdateStatus records observed state. A resource pending deletion only
// accepts Deleting or Error.
func (s *Store) UpdateStatus(ctx context.Context, kind, name string, status domain.Status) error {
	if !status.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrValidation, status.Phase)
	}

	unlock := s.lock(kind, name)
	defer unlock()

	res, err := s.resources.FindByID(ctx, domain.ResourceKey{Kind: kind, Name: name})
	if err != nil {
		return err
	}
	if res.Deleting() && status.Phase != domain.PhaseDeleting && status.Phase != domain.PhaseError {
		return fmt.Errorf("%s: %w", res.Key(), ErrDeletionPending)
	}
	if res.Status.Equivalent(status) {
		return nil
	}

	res.Status = s.transition(res.Status, status)
	if _, err := s.resources.Save(ctx, res); err != nil {
		return err
	}

	defer s.emit(Event{Type: EventStatus, Kind: kind, Name: name})
	return nil
}

// Remove deletes a resource record once its kernel state is gone, along
// with any released attachment records of a bridge.
func (s *Store) Remove(ctx context.Context, kind, name string) error {
	unlock := s.lock(kind, name)
	defer unlock()

	key := domain.ResourceKey{Kind: kind, Name: name}
	if kind == domain.KindBridge {
		count, err := s.attachments.CountActive(ctx, name)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s has %d active attachments", ErrInUse, key, count)
		}
		if err := s.attachments.DeleteByBridge(ctx, name); err != nil {
			return err
		}
	}
	if err := s.resources.DeleteByID(ctx, key); err != nil {
		return err
	}

	s.log.WithField("key", key.String()).Info("resource removed")
	defer s.emit(Event{Type: EventRemoved, Kind: kind, Name: name})
	return nil
}

// transition stamps lastTransitionTime when the phase changes.
func (s *Store) transition(old, next domain.Status) domain.Status {
	next.LastTransitionTime = old.LastTransitionTime
	if next.Phase != old.Phase || next.LastTransitionTime == nil {
		now := s.now().UTC()
		next.LastTransitionTime = &now
	}
	return next
}

// AttachVM records that a VM holds an address on a Ready bridge. An empty
// address allocates the first free host address. Repeating an attach with
// the same address is a no-op.
func (s *Store) AttachVM(ctx context.Context, vmName, bridgeName, address string) (domain.Attachment, error) {
	if err := domain.ValidateVMName(vmName); err != nil {
		return domain.Attachment{}, err
	}

	unlock := s.lock(domain.KindBridge, bridgeName)
	defer unlock()

	bridge, err := s.resources.FindByID(ctx, domain.ResourceKey{Kind: domain.KindBridge, Name: bridgeName})
	if err != nil {
		return domain.Attachment{}, err
	}
	if bridge.Deleting() || bridge.Status.Phase != domain.PhaseReady {
		return domain.Attachment{}, fmt.Errorf("%w: bridge %s is %s", ErrNotReady, bridgeName, bridge.Status.Phase)
	}
	prefix := bridge.Spec.(*domain.BridgeSpec).Prefix()

	key := domain.AttachmentKey{BridgeName: bridgeName, VMName: vmName}
	existing, err := s.attachments.FindByID(ctx, key)
	found := err == nil
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return domain.Attachment{}, err
	}

	var addr netip.Addr
	if address == "" {
		if found && existing.Active() {
			return existing, nil
		}
		addr, err = s.attachments.AllocateAddress(ctx, bridgeName, prefix)
		if err != nil {
			if errors.Is(err, repository.ErrExhausted) {
				return domain.Attachment{}, fmt.Errorf("%w: %v", ErrConflict, err)
			}
			return domain.Attachment{}, err
		}
	} else {
		addr, err = hostAddress(prefix, address)
		if err != nil {
			return domain.Attachment{}, err
		}
		if found && existing.Active() {
			if existing.Address == addr.String() {
				return existing, nil
			}
			return domain.Attachment{}, fmt.Errorf("%w: %s is already attached to %s with %s", ErrConflict, vmName, bridgeName, existing.Address)
		}
	}

	att := domain.Attachment{
		VMName:     vmName,
		BridgeName: bridgeName,
		Address:    addr.String(),
		LeaseState: domain.LeaseActive,
	}
	if found {
		att.CreatedAt = existing.CreatedAt
	}
	saved, err := s.attachments.Save(ctx, att)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.Attachment{}, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return domain.Attachment{}, err
	}

	s.log.WithFields(logrus.Fields{"bridge": bridgeName, "vm": vmName, "address": saved.Address}).Info("vm attached")
	defer s.emit(Event{Type: EventAttached, Kind: domain.KindBridge, Name: bridgeName, VM: vmName})
	return saved, nil
}

// DetachVM releases a VM's address. Detaching an already released VM is a
// no-op.
func (s *Store) DetachVM(ctx context.Context, vmName, bridgeName string) error {
	unlock := s.lock(domain.KindBridge, bridgeName)
	defer unlock()

	att, err := s.attachments.FindByID(ctx, domain.AttachmentKey{BridgeName: bridgeName, VMName: vmName})
	if err != nil {
		return err
	}
	if !att.Active() {
		return nil
	}

	att.LeaseState = domain.LeaseReleased
	if _, err := s.attachments.Save(ctx, att); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{"bridge": bridgeName, "vm": vmName}).Info("vm detached")
	defer s.emit(Event{Type: EventDetached, Kind: domain.KindBridge, Name: bridgeName, VM: vmName})
	return nil
}

// ListAttachments returns the attachments of a bridge, or of every bridge
// when bridgeName is empty.
func (s *Store) ListAttachments(ctx context.Context, bridgeName string, activeOnly bool) ([]domain.Attachment, error) {
	var (
		atts []domain.Attachment
		err  error
	)
	switch {
	case bridgeName == "" && activeOnly:
		return s.attachments.FindActive(ctx)
	case bridgeName == "":
		return s.attachments.FindAll(ctx)
	default:
		atts, err = s.attachments.FindByBridge(ctx, bridgeName)
	}
	if err != nil || !activeOnly {
		return atts, err
	}

	active := atts[:0]
	for _, att := range atts {
		if att.Active() {
			active = append(active, att)
		}
	}
	return active, nil
}

// CountActiveAttachments counts active attachments on a bridge
func (s *Store) CountActiveAttachments(ctx context.Context, bridgeName string) (int, error) {
	return s.attachments.CountActive(ctx, bridgeName)
}

func hostAddress(prefix netip.Prefix, address string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return netip.Addr{}, domain.FieldErrors{{Field: "address", Message: "must be an IP address"}}
	}
	addr = addr.Unmap()

	var msg string
	switch {
	case !prefix.Contains(addr):
		msg = fmt.Sprintf("must be inside %s", prefix.Masked())
	case addr == prefix.Addr():
		msg = "must not be the bridge address"
	case addr == prefix.Masked().Addr():
		msg = "must not be the network address"
	case addr.Is4() && addr == domain.BroadcastAddr(prefix):
		msg = "must not be the broadcast address"
	}
	if msg != "" {
		return netip.Addr{}, domain.FieldErrors{{Field: "address", Message: msg}}
	}
	return addr, nil
}

func specEqual(a, b domain.Spec) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return string(ja) == string(jb), nil
}
