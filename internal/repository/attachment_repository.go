package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
)

// maxAllocationScan bounds the search for a free address in large prefixes.
const maxAllocationScan = 1 << 16

// AttachmentRepository defines domain-specific operations for VM attachments
type AttachmentRepository interface {
	Repository[domain.Attachment, domain.AttachmentKey]
	FindByBridge(ctx context.Context, bridgeName string) ([]domain.Attachment, error)
	FindActive(ctx context.Context) ([]domain.Attachment, error)
	CountActive(ctx context.Context, bridgeName string) (int, error)
	DeleteByBridge(ctx context.Context, bridgeName string) error
	AllocateAddress(ctx context.Context, bridgeName string, bridge netip.Prefix) (netip.Addr, error)
}

type attachmentRepositoryImpl struct {
	db *sql.DB
}

// NewAttachmentRepository creates a new attachment repository
func NewAttachmentRepository(db *sql.DB) AttachmentRepository {
	return &attachmentRepositoryImpl{db: db}
}

const attachmentColumns = `bridge_name, vm_name, address, lease_state, created_at, updated_at`

// Save upserts an attachment. An address already held by another active
// attachment on the same bridge yields ErrDuplicate.
func (r *attachmentRepositoryImpl) Save(ctx context.Context, att domain.Attachment) (domain.Attachment, error) {
	if att.BridgeName == "" || att.VMName == "" {
		return domain.Attachment{}, fmt.Errorf("%w: bridge and VM name are required", ErrInvalidEntity)
	}
	if _, err := netip.ParseAddr(att.Address); err != nil {
		return domain.Attachment{}, fmt.Errorf("%w: invalid address %q", ErrInvalidEntity, att.Address)
	}
	switch att.LeaseState {
	case domain.LeaseActive, domain.LeaseReleased:
	default:
		return domain.Attachment{}, fmt.Errorf("%w: invalid lease state %q", ErrInvalidEntity, att.LeaseState)
	}

	now := time.Now().UTC()
	if att.CreatedAt.IsZero() {
		att.CreatedAt = now
	}
	att.UpdatedAt = now

	query := `
		INSERT INTO attachments (` + attachmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bridge_name, vm_name) DO UPDATE SET
			address = excluded.address,
			lease_state = excluded.lease_state,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		att.BridgeName, att.VMName, att.Address, string(att.LeaseState),
		formatTime(att.CreatedAt), formatTime(att.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Attachment{}, fmt.Errorf("%w: address %s is leased on %s", ErrDuplicate, att.Address, att.BridgeName)
		}
		return domain.Attachment{}, fmt.Errorf("failed to save attachment: %w", err)
	}

	return att, nil
}

// FindByID finds an attachment by bridge and VM name
func (r *attachmentRepositoryImpl) FindByID(ctx context.Context, key domain.AttachmentKey) (domain.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE bridge_name = ? AND vm_name = ?`

	att, err := scanAttachment(r.db.QueryRowContext(ctx, query, key.BridgeName, key.VMName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Attachment{}, ErrNotFound
		}
		return domain.Attachment{}, fmt.Errorf("failed to find attachment: %w", err)
	}
	return att, nil
}

// FindAll finds all attachments
func (r *attachmentRepositoryImpl) FindAll(ctx context.Context) ([]domain.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments ORDER BY bridge_name, vm_name`
	return r.query(ctx, query)
}

// FindByBridge finds all attachments of a bridge, released ones included
func (r *attachmentRepositoryImpl) FindByBridge(ctx context.Context, bridgeName string) ([]domain.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE bridge_name = ? ORDER BY vm_name`
	return r.query(ctx, query, bridgeName)
}

// FindActive finds the active attachments of every bridge
func (r *attachmentRepositoryImpl) FindActive(ctx context.Context) ([]domain.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE lease_state = 'Active' ORDER BY bridge_name, vm_name`
	return r.query(ctx, query)
}

// CountActive counts active attachments on a bridge
func (r *attachmentRepositoryImpl) CountActive(ctx context.Context, bridgeName string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attachments WHERE bridge_name = ? AND lease_state = 'Active'`, bridgeName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attachments: %w", err)
	}
	return count, nil
}

// DeleteByID deletes an attachment
func (r *attachmentRepositoryImpl) DeleteByID(ctx context.Context, key domain.AttachmentKey) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE bridge_name = ? AND vm_name = ?`, key.BridgeName, key.VMName)
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByBridge deletes every attachment record of a bridge
func (r *attachmentRepositoryImpl) DeleteByBridge(ctx context.Context, bridgeName string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM attachments WHERE bridge_name = ?`, bridgeName); err != nil {
		return fmt.Errorf("failed to delete attachments of %s: %w", bridgeName, err)
	}
	return nil
}

// ExistsByID checks if an attachment exists
func (r *attachmentRepositoryImpl) ExistsByID(ctx context.Context, key domain.AttachmentKey) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attachments WHERE bridge_name = ? AND vm_name = ?`, key.BridgeName, key.VMName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check attachment existence: %w", err)
	}
	return count > 0, nil
}

// AllocateAddress returns the lowest host address of the bridge prefix that
// is neither the bridge's own address nor held by an active attachment.
func (r *attachmentRepositoryImpl) AllocateAddress(ctx context.Context, bridgeName string, bridge netip.Prefix) (netip.Addr, error) {
	active, err := r.query(ctx,
		`SELECT `+attachmentColumns+` FROM attachments WHERE bridge_name = ? AND lease_state = 'Active'`, bridgeName)
	if err != nil {
		return netip.Addr{}, err
	}

	used := make(map[netip.Addr]bool, len(active)+1)
	used[bridge.Addr()] = true
	for _, att := range active {
		if addr, err := netip.ParseAddr(att.Address); err == nil {
			used[addr] = true
		}
	}

	network := bridge.Masked()
	var broadcast netip.Addr
	if network.Addr().Is4() {
		broadcast = domain.BroadcastAddr(network)
	}

	addr := network.Addr().Next()
	for i := 0; i < maxAllocationScan && addr.IsValid() && network.Contains(addr); i++ {
		if addr != broadcast && !used[addr] {
			return addr, nil
		}
		addr = addr.Next()
	}

	return netip.Addr{}, fmt.Errorf("%w in %s", ErrExhausted, network)
}

func (r *attachmentRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Attachment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find attachments: %w", err)
	}
	defer rows.Close()

	attachments := []domain.Attachment{}
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attachments: %w", err)
	}
	return attachments, nil
}

func scanAttachment(row rowScanner) (domain.Attachment, error) {
	var (
		att                  domain.Attachment
		state                string
		createdAt, updatedAt string
	)
	if err := row.Scan(&att.BridgeName, &att.VMName, &att.Address, &state, &createdAt, &updatedAt); err != nil {
		return domain.Attachment{}, err
	}
	att.LeaseState = domain.LeaseState(state)

	var err error
	if att.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Attachment{}, err
	}
	if att.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Attachment{}, err
	}
	return att, nil
}
