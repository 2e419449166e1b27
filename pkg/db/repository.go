package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/capability-router/pkg/catalog"
)

const repoLogPrefix = "db:repository"

// ErrNotFound is returned when a descriptor or document row does not exist.
var ErrNotFound = errors.New("not found")

// Repository provides database access for the descriptor catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const descriptorColumns = `capability_id, domain, version, preferred_route, document, revision,
	created, created_by, modified, modified_by`

// GetDescriptor finds a descriptor row by capability id.
func (r *Repository) GetDescriptor(ctx context.Context, capabilityID string) (*DescriptorRecord, error) {
	slog.Debug(fmt.Sprintf("%s - GetDescriptor capability=%s", repoLogPrefix, capabilityID))

	row := r.pool.QueryRow(ctx,
		`SELECT `+descriptorColumns+`
		 FROM operation_descriptors
		 WHERE capability_id = $1`, capabilityID)

	rec, err := scanDescriptor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s - descriptor %s: %w", repoLogPrefix, capabilityID, ErrNotFound)
	}
	return rec, err
}

// ListDescriptors returns descriptor rows ordered by capability id, optionally
// restricted to one domain.
func (r *Repository) ListDescriptors(ctx context.Context, domain string) ([]DescriptorRecord, error) {
	query := `SELECT ` + descriptorColumns + ` FROM operation_descriptors`
	var args []any
	if domain != "" {
		query += ` WHERE domain = $1`
		args = append(args, domain)
	}
	query += ` ORDER BY capability_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - list descriptors: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []DescriptorRecord
	for rows.Next() {
		rec, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list descriptors: %w", repoLogPrefix, err)
	}
	return out, nil
}

// UpsertDescriptor stores d, bumping the revision when the row already exists.
func (r *Repository) UpsertDescriptor(ctx context.Context, d *catalog.Descriptor, userID string) (*DescriptorRecord, error) {
	slog.Info(fmt.Sprintf("%s - UpsertDescriptor capability=%s version=%s", repoLogPrefix, d.CapabilityID, d.Version))

	rec, err := NewDescriptorRecord(d)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", repoLogPrefix, err)
	}
	now := time.Now().UTC()

	row := r.pool.QueryRow(ctx,
		`INSERT INTO operation_descriptors
		   (capability_id, domain, version, preferred_route, document, created_by, modified_by, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)
		 ON CONFLICT (capability_id) DO UPDATE SET
		   domain = $2,
		   version = $3,
		   preferred_route = $4,
		   document = $5,
		   revision = operation_descriptors.revision + 1,
		   modified = $7,
		   modified_by = $6
		 RETURNING `+descriptorColumns,
		rec.CapabilityID, rec.Domain, rec.Version, rec.PreferredRoute, rec.Document, userID, now)

	return scanDescriptor(row)
}

// DeleteDescriptor removes one descriptor row.
func (r *Repository) DeleteDescriptor(ctx context.Context, capabilityID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM operation_descriptors WHERE capability_id = $1`, capabilityID)
	if err != nil {
		return fmt.Errorf("%s - delete descriptor %s: %w", repoLogPrefix, capabilityID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s - descriptor %s: %w", repoLogPrefix, capabilityID, ErrNotFound)
	}
	return nil
}

// UpsertDocument stores a GraphQL document under its reference path.
func (r *Repository) UpsertDocument(ctx context.Context, doc *DocumentRecord, userID string) error {
	slog.Debug(fmt.Sprintf("%s - UpsertDocument ref=%s", repoLogPrefix, doc.Ref))

	_, err := r.pool.Exec(ctx,
		`INSERT INTO graphql_documents (ref, body, checksum, modified, modified_by)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (ref) DO UPDATE SET
		   body = $2, checksum = $3, modified = $4, modified_by = $5
		 WHERE graphql_documents.checksum <> $3`,
		doc.Ref, doc.Body, doc.Checksum, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("%s - upsert document %s: %w", repoLogPrefix, doc.Ref, err)
	}
	return nil
}

// ListDocuments returns every stored GraphQL document.
func (r *Repository) ListDocuments(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ref, body, checksum, modified, modified_by FROM graphql_documents ORDER BY ref`)
	if err != nil {
		return nil, fmt.Errorf("%s - list documents: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []DocumentRecord
	for rows.Next() {
		var d DocumentRecord
		if err := rows.Scan(&d.Ref, &d.Body, &d.Checksum, &d.Modified, &d.ModifiedBy); err != nil {
			return nil, fmt.Errorf("%s - scan document: %w", repoLogPrefix, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list documents: %w", repoLogPrefix, err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanDescriptor(row pgx.Row) (*DescriptorRecord, error) {
	var rec DescriptorRecord
	err := row.Scan(&rec.CapabilityID, &rec.Domain, &rec.Version, &rec.PreferredRoute, &rec.Document,
		&rec.Revision, &rec.Created, &rec.CreatedBy, &rec.Modified, &rec.ModifiedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s - scan descriptor: %w", repoLogPrefix, err)
	}
	return &rec, nil
}
