package efuse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apbridge/bootid/interfaces"
)

// ProvisioningRecord is the per-unit archive entry a manufacturing bench
// emits after a successful run. It carries only bus-safe values; the IMS
// and the intermediate digests never appear in a record.
type ProvisioningRecord struct {
	VendorID    string    `json:"vendor_id"`
	ProductID   string    `json:"product_id"`
	EndpointID  string    `json:"endpoint_id,omitempty"`
	ImageDigest string    `json:"image_digest,omitempty"`
	Provisioned time.Time `json:"provisioned_at"`
}

// NewRecord builds a record from a run's outcome. imageDigest identifies
// the blanked golden image the unit was provisioned from; pass the zero
// ContentID when no image was archived.
func NewRecord(bank interfaces.FuseBank, outcome Outcome, imageDigest interfaces.ContentID) ProvisioningRecord {
	rec := ProvisioningRecord{
		VendorID:    fmt.Sprintf("0x%08x", bank.VendorID()),
		ProductID:   fmt.Sprintf("0x%08x", bank.ProductID()),
		Provisioned: time.Now().UTC(),
	}
	if outcome.Published {
		rec.EndpointID = outcome.EndpointID.String()
	}
	if imageDigest != (interfaces.ContentID{}) {
		rec.ImageDigest = imageDigest.String()
	}
	return rec
}

// Store archives the record to a storage backend and returns its content ID.
func (rec ProvisioningRecord) Store(ctx context.Context, backend interfaces.StorageBackend) (interfaces.ContentID, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to encode provisioning record: %w", err)
	}

	id, err := backend.Store(ctx, data, interfaces.RecordType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to store provisioning record: %w", err)
	}
	return id, nil
}
