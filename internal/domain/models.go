package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// APIVersion is the only manifest version accepted by the API.
const APIVersion = "v1alpha1"

// Phase is the coarse convergence state of a resource
type Phase string

const (
	PhasePending    Phase = "Pending"
	PhaseConverging Phase = "Converging"
	PhaseReady      Phase = "Ready"
	PhaseError      Phase = "Error"
	PhaseDeleting   Phase = "Deleting"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhasePending, PhaseConverging, PhaseReady, PhaseError, PhaseDeleting:
		return true
	}
	return false
}

// Metadata identifies a resource and carries the server-assigned bookkeeping
type Metadata struct {
	Name              string     `json:"name"`                        // Unique within the kind
	UID               string     `json:"uid,omitempty"`               // Assigned on first create
	Generation        int64      `json:"generation,omitempty"`        // Bumped on every accepted spec change
	CreationTimestamp *time.Time `json:"creationTimestamp,omitempty"` // Set on first create
	DeletionTimestamp *time.Time `json:"deletionTimestamp,omitempty"` // Set once deletion is requested
}

// Status is the observed state of a resource. Only the reconciler moves it
// past Pending.
type Status struct {
	ObservedGeneration int64      `json:"observedGeneration"`
	Phase              Phase      `json:"phase"`
	Message            string     `json:"message,omitempty"`
	LinkIndex          *int       `json:"linkIndex"`
	LastTransitionTime *time.Time `json:"lastTransitionTime,omitempty"`
}

// Equivalent compares everything but the transition time.
func (s Status) Equivalent(o Status) bool {
	if s.ObservedGeneration != o.ObservedGeneration || s.Phase != o.Phase || s.Message != o.Message {
		return false
	}
	switch {
	case s.LinkIndex == nil && o.LinkIndex == nil:
		return true
	case s.LinkIndex == nil || o.LinkIndex == nil:
		return false
	}
	return *s.LinkIndex == *o.LinkIndex
}

// Spec is the kind-specific desired state of a resource.
type Spec interface {
	// Default normalises fields in place before validation
	Default()
	// Validate checks the spec against the resource name
	Validate(name string) error
	// CheckUpdate rejects changes to immutable fields
	CheckUpdate(old Spec) error
}

// Resource is the envelope shared by every kind. The concrete Spec type is
// chosen from the kind registry when decoding.
type Resource struct {
	APIVersion string   `json:"apiVersion"`
	Kind       string   `json:"kind"`
	Metadata   Metadata `json:"metadata"`
	Spec       Spec     `json:"spec"`
	Status     Status   `json:"status"`
}

// Key returns the store key of the resource
func (r Resource) Key() ResourceKey {
	return ResourceKey{Kind: r.Kind, Name: r.Metadata.Name}
}

// Reached reports whether the resource is in phase. Ready only counts once
// the latest generation has been observed.
func (r Resource) Reached(phase Phase) bool {
	if r.Status.Phase != phase {
		return false
	}
	return phase != PhaseReady || r.Status.ObservedGeneration >= r.Metadata.Generation
}

// Deleting reports whether deletion has been requested.
func (r Resource) Deleting() bool {
	return r.Metadata.DeletionTimestamp != nil
}

// UnmarshalJSON decodes the envelope and then the spec into the type
// registered for the kind. Unknown spec fields are rejected.
func (r *Resource) UnmarshalJSON(data []byte) error {
	var raw struct {
		APIVersion string          `json:"apiVersion"`
		Kind       string          `json:"kind"`
		Metadata   Metadata        `json:"metadata"`
		Spec       json.RawMessage `json:"spec"`
		Status     Status          `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.APIVersion = raw.APIVersion
	r.Kind = raw.Kind
	r.Metadata = raw.Metadata
	r.Status = raw.Status
	r.Spec = nil

	if len(raw.Spec) == 0 || bytes.Equal(raw.Spec, []byte("null")) {
		return nil
	}

	spec, err := DecodeSpec(raw.Kind, raw.Spec)
	if err != nil {
		return err
	}
	r.Spec = spec
	return nil
}

// Validate checks the envelope and the spec of a submitted manifest
func (r *Resource) Validate() error {
	var errs FieldErrors

	if r.APIVersion != APIVersion {
		errs = append(errs, FieldError{Field: "apiVersion", Message: fmt.Sprintf("must be %q", APIVersion)})
	}
	if _, ok := LookupKind(r.Kind); !ok {
		errs = append(errs, FieldError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", r.Kind)})
	}
	if r.Metadata.Name == "" {
		errs = append(errs, FieldError{Field: "metadata.name", Message: "is required"})
	}
	if r.Spec == nil {
		errs = append(errs, FieldError{Field: "spec", Message: "is required"})
	}
	if len(errs) > 0 {
		return errs
	}

	r.Spec.Default()
	return r.Spec.Validate(r.Metadata.Name)
}

// ResourceKey identifies a resource in the store
type ResourceKey struct {
	Kind string
	Name string
}

func (k ResourceKey) String() string {
	return k.Kind + "/" + k.Name
}

// LeaseState tracks whether an attachment still holds its address
type LeaseState string

const (
	LeaseActive   LeaseState = "Active"
	LeaseReleased LeaseState = "Released"
)

// Attachment records that a VM holds an address on a bridge
type Attachment struct {
	VMName     string     `json:"vmName"`     // VM name, also its DNS label
	BridgeName string     `json:"bridgeName"` // Bridge the VM is attached to
	Address    string     `json:"address"`    // Address inside the bridge prefix
	LeaseState LeaseState `json:"leaseState"` // Active or Released
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Key returns the repository key of the attachment
func (a Attachment) Key() AttachmentKey {
	return AttachmentKey{BridgeName: a.BridgeName, VMName: a.VMName}
}

// Active reports whether the attachment holds its address
func (a Attachment) Active() bool {
	return a.LeaseState == LeaseActive
}

// AttachmentKey identifies an attachment
type AttachmentKey struct {
	BridgeName string
	VMName     string
}

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("invalid resource")

// ErrImmutable is returned when an update touches an immutable field.
var ErrImmutable = errors.New("field is immutable")
