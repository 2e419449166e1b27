package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/capability-router/pkg/catalog"
)

const seedLogPrefix = "db:seed"

// CatalogWriter is the write side of the catalog store. *Repository implements it.
type CatalogWriter interface {
	UpsertDescriptor(ctx context.Context, d *catalog.Descriptor, userID string) (*DescriptorRecord, error)
	UpsertDocument(ctx context.Context, doc *DocumentRecord, userID string) error
}

// SeedResult counts the rows written by a seed run.
type SeedResult struct {
	Descriptors int
	Documents   int
}

// SeedFromDir loads the card files in dir, validates them as one registry and
// upserts every descriptor with the GraphQL documents it references.
// Idempotent: rows are upserted by capability id and document ref.
func SeedFromDir(ctx context.Context, store CatalogWriter, dir, userID string) (*SeedResult, error) {
	reg, err := catalog.LoadRegistry(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - load %s: %w", seedLogPrefix, dir, err)
	}
	return Seed(ctx, store, reg, catalog.NewFSDocuments(os.DirFS(dir)), userID)
}

// Seed writes every descriptor of reg and its documents to store. A descriptor
// referencing a document that docs cannot serve aborts the run before any write.
func Seed(ctx context.Context, store CatalogWriter, reg *catalog.Registry, docs catalog.Documents, userID string) (*SeedResult, error) {
	descs := reg.List("")

	bodies := make(map[string]string)
	var refs []string
	for _, d := range descs {
		for _, ref := range DocumentRefs(d) {
			if _, ok := bodies[ref]; ok {
				continue
			}
			body, err := docs.Document(ref)
			if err != nil {
				return nil, fmt.Errorf("%s - %s: %w", seedLogPrefix, d.CapabilityID, err)
			}
			bodies[ref] = body
			refs = append(refs, ref)
		}
	}

	res := &SeedResult{}
	for _, ref := range refs {
		if err := store.UpsertDocument(ctx, NewDocumentRecord(ref, bodies[ref]), userID); err != nil {
			return res, err
		}
		res.Documents++
	}
	for _, d := range descs {
		if _, err := store.UpsertDescriptor(ctx, d, userID); err != nil {
			return res, fmt.Errorf("%s - upsert %s: %w", seedLogPrefix, d.CapabilityID, err)
		}
		res.Descriptors++
	}

	slog.Info(fmt.Sprintf("%s - Seeded %d descriptors and %d documents", seedLogPrefix, res.Descriptors, res.Documents))
	return res, nil
}

// DocumentRefs lists the GraphQL documents a descriptor references: the
// operation document, then the lookup document when it has one.
func DocumentRefs(d *catalog.Descriptor) []string {
	if d.GraphQL == nil {
		return nil
	}
	var refs []string
	if d.GraphQL.DocumentPath != "" {
		refs = append(refs, d.GraphQL.DocumentPath)
	}
	if r := d.GraphQL.Resolution; r != nil && r.Lookup.DocumentPath != "" {
		refs = append(refs, r.Lookup.DocumentPath)
	}
	return refs
}
