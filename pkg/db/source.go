package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/capability-router/pkg/catalog"
)

const sourceLogPrefix = "db:source"

// CatalogReader is the read side of the catalog store. *Repository implements it.
type CatalogReader interface {
	ListDescriptors(ctx context.Context, domain string) ([]DescriptorRecord, error)
	ListDocuments(ctx context.Context) ([]DocumentRecord, error)
}

// LoadCatalog builds a registry and its documents from the stored rows. The
// registry applies the same validation as one loaded from card files.
func LoadCatalog(ctx context.Context, store CatalogReader) (*catalog.Registry, catalog.MapDocuments, error) {
	records, err := store.ListDescriptors(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	descs := make([]*catalog.Descriptor, 0, len(records))
	for i := range records {
		d, err := records[i].Descriptor()
		if err != nil {
			return nil, nil, fmt.Errorf("%s - %w", sourceLogPrefix, err)
		}
		descs = append(descs, d)
	}
	reg, err := catalog.NewRegistry(descs...)
	if err != nil {
		return nil, nil, fmt.Errorf("%s - %w", sourceLogPrefix, err)
	}

	rows, err := store.ListDocuments(ctx)
	if err != nil {
		return nil, nil, err
	}
	docs := make(catalog.MapDocuments, len(rows))
	for _, row := range rows {
		docs[row.Ref] = row.Body
	}

	slog.Info(fmt.Sprintf("%s - Loaded %d descriptors and %d documents from database", sourceLogPrefix, reg.Len(), len(docs)))
	return reg, docs, nil
}
