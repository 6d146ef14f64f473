package store

import (
	"errors"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/repository"
)

var (
	// ErrValidation is matched by every rejected manifest or attachment request
	ErrValidation = domain.ErrInvalid

	// ErrNotFound is returned for unknown resources and attachments
	ErrNotFound = repository.ErrNotFound

	// ErrConflict is returned when a write clashes with stored state
	ErrConflict = errors.New("conflict")

	// ErrInUse is returned when deleting a bridge that still has active attachments
	ErrInUse = errors.New("resource in use")

	// ErrNotReady is returned when attaching to a bridge that is not Ready
	ErrNotReady = errors.New("resource not ready")

	// ErrDeletionPending is returned by UpdateStatus when a non-terminal phase
	// would overwrite a requested deletion. It matches ErrConflict.
	ErrDeletionPending = &deletionPendingError{}
)

type deletionPendingError struct{}

func (*deletionPendingError) Error() string { return "deletion pending" }

func (*deletionPendingError) Is(target error) bool { return target == ErrConflict }
