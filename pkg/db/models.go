package db

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/morezero/capability-router/pkg/catalog"
)

// DescriptorRecord represents a row in the operation_descriptors table.
type DescriptorRecord struct {
	CapabilityID   string    `json:"capability_id"`
	Domain         string    `json:"domain"`
	Version        string    `json:"version"`
	PreferredRoute string    `json:"preferred_route"`
	Document       []byte    `json:"document"`
	Revision       int       `json:"revision"`
	Created        time.Time `json:"created"`
	CreatedBy      string    `json:"created_by"`
	Modified       time.Time `json:"modified"`
	ModifiedBy     string    `json:"modified_by"`
}

// DocumentRecord represents a row in the graphql_documents table.
type DocumentRecord struct {
	Ref        string    `json:"ref"`
	Body       string    `json:"body"`
	Checksum   string    `json:"checksum"`
	Modified   time.Time `json:"modified"`
	ModifiedBy string    `json:"modified_by"`
}

// NewDescriptorRecord encodes d for storage. The descriptor is stored whole
// as JSONB; the other columns are copies for filtering.
func NewDescriptorRecord(d *catalog.Descriptor) (*DescriptorRecord, error) {
	doc, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor %s: %w", d.CapabilityID, err)
	}
	return &DescriptorRecord{
		CapabilityID:   d.CapabilityID,
		Domain:         d.Domain(),
		Version:        d.Version,
		PreferredRoute: string(d.Routing.Preferred),
		Document:       doc,
	}, nil
}

// Descriptor decodes the stored document and validates it.
func (r *DescriptorRecord) Descriptor() (*catalog.Descriptor, error) {
	var d catalog.Descriptor
	if err := json.Unmarshal(r.Document, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor %s: %w", r.CapabilityID, err)
	}
	if d.CapabilityID != r.CapabilityID {
		return nil, fmt.Errorf("descriptor row %s holds document for %q", r.CapabilityID, d.CapabilityID)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// NewDocumentRecord builds a document row with its content checksum.
func NewDocumentRecord(ref, body string) *DocumentRecord {
	sum := blake3.Sum256([]byte(body))
	return &DocumentRecord{Ref: ref, Body: body, Checksum: hex.EncodeToString(sum[:])}
}
