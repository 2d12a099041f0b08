// Package custody builds and verifies chain-of-custody records for
// generated evidence.
package custody

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Custodian and action names of the automatic acquisition entry.
const (
	SystemCustodian   = "System"
	ActionAcquisition = "Automatic Acquisition by Behavioral Engine"
)

// Canonicalize encodes v as JSON with sorted object keys and no
// insignificant whitespace. Numbers keep their textual form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not encodable: %v", domain.ErrValidation, err)
	}
	return canonicalBytes(raw)
}

func canonicalBytes(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON: %v", domain.ErrValidation, err)
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: payload holds more than one JSON value", domain.ErrValidation)
	}
	return json.Marshal(generic)
}

// Hash returns the hex sha-256 of payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewRecord captures v as the payload of a new custody record.
func NewRecord(caseID, artifactID, dataSource, storage string, v any, now time.Time) (*domain.EvidenceCustodyRecord, error) {
	if caseID == "" || artifactID == "" {
		return nil, fmt.Errorf("%w: caseID and artifactID are required", domain.ErrValidation)
	}
	payload, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	return &domain.EvidenceCustodyRecord{
		ArtifactID:      artifactID,
		CaseID:          caseID,
		AcquisitionTime: now,
		DataSource:      dataSource,
		StorageLocation: storage,
		IntegrityHash:   Hash(payload),
		Payload:         payload,
		CustodianLog: []domain.CustodyEntry{{
			Timestamp: now,
			Action:    ActionAcquisition,
			Custodian: SystemCustodian,
		}},
	}, nil
}

// Verify re-hashes the stored payload bytes exactly as they are. Any edit,
// reformatting included, is a mismatch and returns ErrIntegrity together
// with the verification details.
func Verify(rec *domain.EvidenceCustodyRecord, now time.Time) (domain.CustodyVerification, error) {
	v := domain.CustodyVerification{
		ArtifactID: rec.ArtifactID,
		Expected:   rec.IntegrityHash,
		CheckedAt:  now.UTC(),
	}
	v.Actual = Hash(rec.Payload)
	v.Valid = v.Actual == v.Expected
	if !v.Valid {
		return v, fmt.Errorf("%w: artifact %s", domain.ErrIntegrity, rec.ArtifactID)
	}
	return v, nil
}

// Store is the persistence used by Keeper.
type Store interface {
	SaveCustodyRecord(ctx context.Context, rec *domain.EvidenceCustodyRecord) error
	GetCustodyRecord(ctx context.Context, caseID, artifactID string) (*domain.EvidenceCustodyRecord, error)
	AppendCustodyEntry(ctx context.Context, caseID, artifactID string, entry domain.CustodyEntry) error
}

// Keeper persists custody records and checks them on demand.
type Keeper struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewKeeper creates a Keeper over store.
func NewKeeper(store Store, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{store: store, now: time.Now, logger: logger}
}

// Acquire builds a record for v and saves it.
func (k *Keeper) Acquire(ctx context.Context, caseID, artifactID, dataSource, storage string, v any) (*domain.EvidenceCustodyRecord, error) {
	rec, err := NewRecord(caseID, artifactID, dataSource, storage, v, k.now())
	if err != nil {
		return nil, err
	}
	if err := k.store.SaveCustodyRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("save custody record: %w", err)
	}
	return rec, nil
}

// Transfer appends a hand-off to the custodian log.
func (k *Keeper) Transfer(ctx context.Context, caseID, artifactID, action, custodian string) error {
	if action == "" || custodian == "" {
		return fmt.Errorf("%w: action and custodian are required", domain.ErrValidation)
	}
	return k.store.AppendCustodyEntry(ctx, caseID, artifactID, domain.CustodyEntry{
		Timestamp: k.now().UTC(),
		Action:    action,
		Custodian: custodian,
	})
}

// Check loads a stored record and verifies it.
func (k *Keeper) Check(ctx context.Context, caseID, artifactID string) (domain.CustodyVerification, error) {
	rec, err := k.store.GetCustodyRecord(ctx, caseID, artifactID)
	if err != nil {
		return domain.CustodyVerification{ArtifactID: artifactID}, err
	}
	v, err := Verify(rec, k.now())
	if err != nil {
		k.logger.Error("custody integrity failure",
			"case_id", caseID,
			"artifact_id", artifactID,
			"expected", v.Expected,
			"actual", v.Actual,
		)
	}
	return v, err
}
