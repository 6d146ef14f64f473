package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
)

// ResourceRepository persists declarative resources of every kind
type ResourceRepository interface {
	Repository[domain.Resource, domain.ResourceKey]
	FindByKind(ctx context.Context, kind string) ([]domain.Resource, error)
	Close() error
}

type resourceRepositoryImpl struct {
	db    *sql.DB
	stmts *stmtCache
}

// NewResourceRepository creates a new resource repository
func NewResourceRepository(db *sql.DB) ResourceRepository {
	return &resourceRepositoryImpl{
		db:    db,
		stmts: newStmtCache(db),
	}
}

const resourceColumns = `kind, name, api_version, uid, generation, spec, status, created_at, updated_at, deleted_at`

// Save upserts the whole resource, status included
func (r *resourceRepositoryImpl) Save(ctx context.Context, res domain.Resource) (domain.Resource, error) {
	if res.Kind == "" || res.Metadata.Name == "" {
		return domain.Resource{}, fmt.Errorf("%w: kind and name are required", ErrInvalidEntity)
	}
	if res.Metadata.UID == "" || res.Metadata.CreationTimestamp == nil {
		return domain.Resource{}, fmt.Errorf("%w: uid and creation timestamp are required", ErrInvalidEntity)
	}
	if res.Spec == nil {
		return domain.Resource{}, fmt.Errorf("%w: spec is required", ErrInvalidEntity)
	}

	spec, err := json.Marshal(res.Spec)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("failed to encode spec: %w", err)
	}
	status, err := json.Marshal(res.Status)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("failed to encode status: %w", err)
	}

	var deletedAt sql.NullString
	if res.Metadata.DeletionTimestamp != nil {
		deletedAt = sql.NullString{String: formatTime(*res.Metadata.DeletionTimestamp), Valid: true}
	}

	query := `
		INSERT INTO resources (` + resourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, name) DO UPDATE SET
			api_version = excluded.api_version,
			generation = excluded.generation,
			spec = excluded.spec,
			status = excluded.status,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`

	stmt, err := r.stmts.get(ctx, query)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("failed to prepare resource upsert: %w", err)
	}

	_, err = stmt.ExecContext(ctx,
		res.Kind, res.Metadata.Name, res.APIVersion, res.Metadata.UID, res.Metadata.Generation,
		string(spec), string(status),
		formatTime(*res.Metadata.CreationTimestamp), formatTime(time.Now()), deletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Resource{}, fmt.Errorf("%w: uid %s", ErrDuplicate, res.Metadata.UID)
		}
		return domain.Resource{}, fmt.Errorf("failed to save resource %s: %w", res.Key(), err)
	}

	return res, nil
}

// FindByID finds a resource by kind and name
func (r *resourceRepositoryImpl) FindByID(ctx context.Context, key domain.ResourceKey) (domain.Resource, error) {
	stmt, err := r.stmts.get(ctx, `SELECT `+resourceColumns+` FROM resources WHERE kind = ? AND name = ?`)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("failed to prepare resource lookup: %w", err)
	}

	res, err := scanResource(stmt.QueryRowContext(ctx, key.Kind, key.Name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Resource{}, ErrNotFound
		}
		return domain.Resource{}, fmt.Errorf("failed to find resource %s: %w", key, err)
	}
	return res, nil
}

// FindAll returns every resource ordered by kind and name
func (r *resourceRepositoryImpl) FindAll(ctx context.Context) ([]domain.Resource, error) {
	stmt, err := r.stmts.get(ctx, `SELECT `+resourceColumns+` FROM resources ORDER BY kind, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare resource listing: %w", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return collectResources(rows)
}

// FindByKind returns the resources of one kind ordered by name
func (r *resourceRepositoryImpl) FindByKind(ctx context.Context, kind string) ([]domain.Resource, error) {
	stmt, err := r.stmts.get(ctx, `SELECT `+resourceColumns+` FROM resources WHERE kind = ? ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare resource listing: %w", err)
	}
	rows, err := stmt.QueryContext(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s resources: %w", kind, err)
	}
	return collectResources(rows)
}

// DeleteByID removes a resource row
func (r *resourceRepositoryImpl) DeleteByID(ctx context.Context, key domain.ResourceKey) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM resources WHERE kind = ? AND name = ?`, key.Kind, key.Name)
	if err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", key, err)
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

// ExistsByID checks if a resource exists
func (r *resourceRepositoryImpl) ExistsByID(ctx context.Context, key domain.ResourceKey) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE kind = ? AND name = ?`, key.Kind, key.Name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check resource existence: %w", err)
	}
	return count > 0, nil
}

// Close releases the prepared statements
func (r *resourceRepositoryImpl) Close() error {
	return r.stmts.close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (domain.Resource, error) {
	var (
		res                  domain.Resource
		spec, status         string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)

	err := row.Scan(&res.Kind, &res.Metadata.Name, &res.APIVersion, &res.Metadata.UID,
		&res.Metadata.Generation, &spec, &status, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return domain.Resource{}, err
	}

	res.Spec, err = domain.DecodeSpec(res.Kind, []byte(spec))
	if err != nil {
		return domain.Resource{}, fmt.Errorf("failed to decode spec of %s: %w", res.Key(), err)
	}
	if err := json.Unmarshal([]byte(status), &res.Status); err != nil {
		return domain.Resource{}, fmt.Errorf("failed to decode status of %s: %w", res.Key(), err)
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return domain.Resource{}, err
	}
	res.Metadata.CreationTimestamp = &created

	if deletedAt.Valid {
		deleted, err := parseTime(deletedAt.String)
		if err != nil {
			return domain.Resource{}, err
		}
		res.Metadata.DeletionTimestamp = &deleted
	}

	return res, nil
}

func collectResources(rows *sql.Rows) ([]domain.Resource, error) {
	defer rows.Close()

	resources := []domain.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resources: %w", err)
	}
	return resources, nil
}
