package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lis/lis/internal/platform/wire"
)

// Status is the lifecycle state of an inbound message. Rows move forward
// only (RECEIVED -> PARSED -> PROCESSED or ERROR); reprocess is the single
// operator-triggered reset back to RECEIVED. DUPLICATE is a pipeline
// outcome reported to callers, never stored on a row: the original row is
// left untouched.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusParsed    Status = "PARSED"
	StatusProcessed Status = "PROCESSED"
	StatusError     Status = "ERROR"
	StatusDuplicate Status = "DUPLICATE"
)

const DirectionInbound = "INBOUND"

// IntegrationMessage is one raw payload received from an instrument or
// integration endpoint. RawPayload is stored with full fidelity and never
// mutated; ParsedSummary is a small digest, never the full parsed tree.
type IntegrationMessage struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	DeviceID         *uuid.UUID      `db:"device_id" json:"device_id,omitempty"`
	Protocol         wire.Protocol   `db:"protocol" json:"protocol"`
	Direction        string          `db:"direction" json:"direction"`
	Status           Status          `db:"status" json:"status"`
	MessageType      string          `db:"message_type" json:"message_type,omitempty"`
	MessageControlID *string         `db:"message_control_id" json:"message_control_id,omitempty"`
	FacilityCode     string          `db:"facility_code" json:"facility_code,omitempty"`
	RemoteIP         string          `db:"remote_ip" json:"remote_ip,omitempty"`
	ErrorReason      *string         `db:"error_reason" json:"error_reason,omitempty"`
	RawPayload       string          `db:"raw_payload" json:"raw_payload,omitempty"`
	ParsedSummary    json.RawMessage `db:"parsed_summary" json:"parsed_summary,omitempty"`
	ReceivedAt       time.Time       `db:"received_at" json:"received_at"`
	ProcessedAt      *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// ParsedSummary is the digest written onto a message once parsing
// succeeds: which parser ran, the subject identifiers, and how many items
// were staged. The item list itself lives in staged_result_items.
type ParsedSummary struct {
	Parser              string `json:"parser"`
	PatientIdentifier   string `json:"patient_identifier,omitempty"`
	EncounterIdentifier string `json:"encounter_identifier,omitempty"`
	SpecimenBarcode     string `json:"specimen_barcode,omitempty"`
	ItemCount           int    `json:"item_count"`
}

// Stats is the per-tenant aggregate view served by the stats endpoint.
type Stats struct {
	ByStatus map[Status]int `json:"by_status"`
	Last24h  int            `json:"last_24h"`
	ByDevice []DeviceCount  `json:"by_device"`
}

// DeviceCount is one row of the per-device breakdown. A nil DeviceID
// bucket collects unattributed traffic.
type DeviceCount struct {
	DeviceID *uuid.UUID `json:"device_id"`
	Count    int        `json:"count"`
}
