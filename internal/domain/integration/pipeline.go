package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/domain/device"
	"github.com/lis/lis/internal/domain/mapping"
	"github.com/lis/lis/internal/domain/message"
	"github.com/lis/lis/internal/domain/staging"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/wire"
)

// ErrIPNotAllowed rejects traffic from an address outside a device's
// allow-list. Raised before anything is persisted.
var ErrIPNotAllowed = errors.New("remote address not in device allow-list")

const (
	// errorReasonMaxLen caps stored parse-failure diagnostics.
	errorReasonMaxLen = 200

	// unmappedListCap bounds how many distinct codes an "unmapped test
	// codes" reason enumerates.
	unmappedListCap = 50
)

// StageRequest is one inbound payload plus everything the transport knows
// about its origin. Device is nil for unattributed traffic.
type StageRequest struct {
	Device       *device.Device
	Protocol     wire.Protocol
	RawPayload   string
	RemoteIP     string
	Kind         wire.Kind
	FacilityCode string
}

// StageOutcome reports how far a payload got. MessageID is nil only for
// DUPLICATE outcomes, where no new row exists.
type StageOutcome struct {
	MessageID   *uuid.UUID     `json:"message_id,omitempty"`
	Status      message.Status `json:"status"`
	ErrorReason string         `json:"error_reason,omitempty"`
}

// Pipeline runs the staging sequence for every inbound message: metadata
// extraction, allow-list check, dedup insert, parse, staging, mapping,
// final status. One synchronous invocation per payload, no internal
// parallelism.
type Pipeline struct {
	devices  device.Repository
	mappings mapping.Repository
	messages message.Repository
	staged   staging.Repository
	logger   zerolog.Logger
}

func NewPipeline(devices device.Repository, mappings mapping.Repository,
	messages message.Repository, staged staging.Repository, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		devices:  devices,
		mappings: mappings,
		messages: messages,
		staged:   staged,
		logger:   logger,
	}
}

// Stage persists and processes one payload. The error return is reserved
// for security rejection and storage faults; instrument-grade problems
// (unparseable payloads, unmapped codes, duplicates) come back as outcomes.
func (p *Pipeline) Stage(ctx context.Context, req StageRequest) (*StageOutcome, error) {
	// MSH metadata is best-effort: non-HL7 payloads simply yield blanks.
	msgType, controlID, sendingFac := wire.HL7Metadata(req.RawPayload)
	facility := sendingFac
	if facility == "" {
		facility = req.FacilityCode
	}

	if req.Device != nil && !req.Device.AllowsIP(req.RemoteIP) {
		p.logger.Warn().
			Str("device", req.Device.Name).
			Str("remote_ip", req.RemoteIP).
			Msg("rejected message from non-allow-listed address")
		return nil, fmt.Errorf("%w: %s", ErrIPNotAllowed, req.RemoteIP)
	}

	m := &message.IntegrationMessage{
		Protocol:     req.Protocol,
		Direction:    message.DirectionInbound,
		Status:       message.StatusReceived,
		MessageType:  msgType,
		FacilityCode: facility,
		RemoteIP:     req.RemoteIP,
		RawPayload:   req.RawPayload,
	}
	if req.Device != nil {
		id := req.Device.ID
		m.DeviceID = &id
	}
	if controlID != "" {
		m.MessageControlID = &controlID
	}

	err := p.messages.Insert(ctx, m)
	if errors.Is(err, message.ErrDuplicateMessage) {
		p.logger.Info().
			Str("control_id", controlID).
			Str("facility", facility).
			Msg("duplicate message, keeping original")
		return &StageOutcome{Status: message.StatusDuplicate}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	return p.process(ctx, m, req.Device, req.Kind)
}

// process runs the parse-and-stage half of the pipeline over an already
// persisted message row. Reprocess re-enters here with the stored payload.
func (p *Pipeline) process(ctx context.Context, m *message.IntegrationMessage,
	dev *device.Device, kind wire.Kind) (*StageOutcome, error) {

	outcome := &StageOutcome{MessageID: &m.ID}

	format := wire.ChooseFormat(m.Protocol, kind, m.RawPayload)
	result, err := format.Parse(m.RawPayload)
	if err != nil {
		reason := wire.Truncate(fmt.Sprintf("%s: %v", format, err), errorReasonMaxLen)
		if err := p.messages.MarkError(ctx, m.ID, reason); err != nil {
			return nil, fmt.Errorf("recording parse failure: %w", err)
		}
		if dev != nil {
			if err := p.devices.RecordError(ctx, dev.ID, reason); err != nil {
				return nil, fmt.Errorf("recording device error: %w", err)
			}
		}
		p.logger.Warn().
			Str("message_id", m.ID.String()).
			Str("parser", string(format)).
			Err(err).
			Msg("payload failed to parse")
		outcome.Status = message.StatusError
		outcome.ErrorReason = reason
		return outcome, nil
	}

	summary, err := json.Marshal(message.ParsedSummary{
		Parser:              string(format),
		PatientIdentifier:   result.PatientIdentifier,
		EncounterIdentifier: result.EncounterIdentifier,
		SpecimenBarcode:     result.SpecimenBarcode,
		ItemCount:           len(result.Items),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding parsed summary: %w", err)
	}
	if err := p.messages.MarkParsed(ctx, m.ID, summary); err != nil {
		return nil, fmt.Errorf("marking message parsed: %w", err)
	}

	sr := &staging.StagedResult{
		MessageID:           m.ID,
		PatientIdentifier:   result.PatientIdentifier,
		EncounterIdentifier: result.EncounterIdentifier,
		SpecimenBarcode:     result.SpecimenBarcode,
		ReportStatus:        reportStatus(result),
		ObservedAt:          result.ObservedAt,
	}

	var unmapped []string
	for _, item := range result.Items {
		item = item.Clamp()
		si := &staging.StagedResultItem{
			ExternalCode:   item.ExternalCode,
			ValueText:      item.ValueText,
			Units:          item.Units,
			ReferenceRange: item.ReferenceRange,
			AbnormalFlag:   item.AbnormalFlag,
			StatusCode:     item.Status,
			ObservedAt:     item.ObservedAt,
		}
		if dev != nil && item.ExternalCode != "" {
			mp, err := p.mappings.Resolve(ctx, dev.ID, item.ExternalCode)
			switch {
			case err == nil:
				testID := mp.InternalTestID
				si.InternalTestID = &testID
			case errors.Is(err, mapping.ErrNotFound):
				unmapped = append(unmapped, item.ExternalCode)
			default:
				return nil, fmt.Errorf("resolving mapping for %s: %w", item.ExternalCode, err)
			}
		}
		sr.Items = append(sr.Items, si)
	}

	if err := p.staged.Create(ctx, sr); err != nil {
		return nil, fmt.Errorf("staging results: %w", err)
	}

	if len(unmapped) > 0 {
		reason := "Unmapped test codes: " + joinUnmappedCodes(unmapped)
		if err := p.messages.MarkError(ctx, m.ID, reason); err != nil {
			return nil, fmt.Errorf("recording unmapped codes: %w", err)
		}
		p.logger.Warn().
			Str("message_id", m.ID.String()).
			Int("staged_items", len(sr.Items)).
			Msg(reason)
		outcome.Status = message.StatusError
		outcome.ErrorReason = reason
	} else {
		if err := p.messages.MarkProcessed(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("marking message processed: %w", err)
		}
		p.logger.Info().
			Str("message_id", m.ID.String()).
			Str("parser", string(format)).
			Int("staged_items", len(sr.Items)).
			Msg("message processed")
		outcome.Status = message.StatusProcessed
	}

	if dev != nil {
		if err := p.devices.RecordHeartbeat(ctx, dev.ID); err != nil {
			return nil, fmt.Errorf("recording heartbeat: %w", err)
		}
	}
	return outcome, nil
}

// Reprocess wipes a message's staged results, resets it to RECEIVED and
// replays the pipeline over the original stored payload. The existing row
// is updated in place, so the dedup index never fires.
func (p *Pipeline) Reprocess(ctx context.Context, messageID uuid.UUID) (*StageOutcome, error) {
	m, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	// The wipe and the status reset must land together; a failure between
	// them would leave a message claiming results it no longer has.
	txCtx, tx, err := db.WithTx(ctx)
	if err != nil && !errors.Is(err, db.ErrNoConn) {
		return nil, fmt.Errorf("beginning reprocess transaction: %w", err)
	}
	if tx != nil {
		defer tx.Rollback(ctx)
	}

	if err := p.staged.DeleteByMessage(txCtx, messageID); err != nil {
		return nil, fmt.Errorf("deleting staged results: %w", err)
	}
	if err := p.messages.ResetForReprocess(txCtx, messageID); err != nil {
		return nil, fmt.Errorf("resetting message: %w", err)
	}

	if tx != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing reprocess reset: %w", err)
		}
	}

	var dev *device.Device
	if m.DeviceID != nil {
		dev, err = p.devices.GetByID(ctx, *m.DeviceID)
		if errors.Is(err, device.ErrNotFound) {
			// The device was deleted after this message arrived; replay
			// unattributed rather than fail.
			dev = nil
		} else if err != nil {
			return nil, err
		}
	}

	p.logger.Info().Str("message_id", messageID.String()).Msg("reprocessing message")
	return p.process(ctx, m, dev, wire.KindAuto)
}

// reportStatus derives the staged header's report status: the first item's
// status code when present, else final.
func reportStatus(r *wire.Result) string {
	for _, item := range r.Items {
		if item.Status != "" {
			return item.Status
		}
	}
	return "F"
}

// joinUnmappedCodes renders the quarantine reason list: distinct codes,
// sorted, capped.
func joinUnmappedCodes(codes []string) string {
	seen := make(map[string]bool, len(codes))
	var distinct []string
	for _, c := range codes {
		if !seen[c] {
			seen[c] = true
			distinct = append(distinct, c)
		}
	}
	sort.Strings(distinct)
	if len(distinct) > unmappedListCap {
		distinct = distinct[:unmappedListCap]
	}
	return strings.Join(distinct, ", ")
}
