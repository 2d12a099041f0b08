package domain

import (
	"encoding/json"
	"time"
)

// EvidenceCustodyRecord tracks the provenance of one generated artifact.
// IntegrityHash is the hex sha-256 of Payload, the canonical JSON of the
// artifact at acquisition time.
type EvidenceCustodyRecord struct {
	ArtifactID      string          `json:"acquisitionId"`
	CaseID          string          `json:"caseId"`
	AcquisitionTime time.Time       `json:"acquisitionTime"`
	DataSource      string          `json:"dataSource"`
	StorageLocation string          `json:"storageLocation"`
	IntegrityHash   string          `json:"integrityHashSha256"`
	Payload         json.RawMessage `json:"payload"`
	CustodianLog    []CustodyEntry  `json:"custodianLog"`
}

// CustodyEntry is one hand-off in the chain of custody.
type CustodyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Custodian string    `json:"custodian"`
}

// CustodyVerification is the outcome of re-hashing a stored record.
type CustodyVerification struct {
	ArtifactID string    `json:"acquisitionId"`
	Expected   string    `json:"expected"`
	Actual     string    `json:"actual"`
	Valid      bool      `json:"valid"`
	CheckedAt  time.Time `json:"checkedAt"`
}
