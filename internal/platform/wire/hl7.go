package wire

import (
	"time"

	"github.com/lis/lis/internal/platform/hl7v2"
)

// edPlaceholder replaces OBX-5 when the value type is encapsulated data.
// Binary blobs never travel through the staging tables.
const edPlaceholder = "[binary data]"

// ParseHL7ORU normalizes an HL7 v2 ORU^R01 message. Extraction is
// best-effort: absent segments and fields yield empty values, and the only
// unrecoverable condition is a missing MSH header.
func ParseHL7ORU(raw string) (*Result, error) {
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}

	res := &Result{}
	if pid := msg.GetSegment("PID"); pid != nil {
		res.PatientIdentifier = pid.GetComponent(3, 1)
	}
	if pv1 := msg.GetSegment("PV1"); pv1 != nil {
		res.EncounterIdentifier = pv1.GetComponent(19, 1)
		if res.EncounterIdentifier == "" {
			res.EncounterIdentifier = pv1.GetComponent(50, 1)
		}
	}
	if spm := msg.GetSegment("SPM"); spm != nil {
		res.SpecimenBarcode = spm.GetComponent(2, 1)
	}
	if res.SpecimenBarcode == "" {
		if obr := msg.GetSegment("OBR"); obr != nil {
			res.SpecimenBarcode = obr.GetComponent(3, 1)
		}
	}

	// OBX segments attach to the most recent OBR, which carries the
	// observation timestamp for its group.
	var groupObserved *time.Time
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "OBR":
			groupObserved = obrObservedAt(seg)
			if res.ObservedAt == nil {
				res.ObservedAt = groupObserved
			}
		case "OBX":
			res.Items = append(res.Items, obxItem(seg, groupObserved))
		}
	}
	return res, nil
}

// obrObservedAt reads OBR-7 (observation date/time) falling back to OBR-6
// (requested date/time). Unparsable timestamps yield nil, never an error.
func obrObservedAt(obr *hl7v2.Segment) *time.Time {
	for _, idx := range []int{7, 6} {
		ts, err := hl7v2.ParseTimestamp(obr.GetField(idx))
		if err == nil {
			return &ts
		}
	}
	return nil
}

func obxItem(obx *hl7v2.Segment, observed *time.Time) ResultItem {
	valueType := obx.GetField(2)
	value := obx.GetField(5)
	if valueType == "ED" {
		value = edPlaceholder
	}
	status := obx.GetField(11)
	if status == "" && valueType != "ED" {
		status = "F"
	}
	return ResultItem{
		ExternalCode:   obx.GetComponent(3, 1),
		ValueText:      value,
		Units:          obx.GetField(6),
		ReferenceRange: obx.GetField(7),
		AbnormalFlag:   obx.GetField(8),
		Status:         status,
		ObservedAt:     observed,
	}.Clamp()
}

// HL7Metadata pulls routing metadata from a raw payload without requiring
// a full parse to succeed. Callers use it to tag incoming messages before
// parsing; any failure returns empty values.
func HL7Metadata(raw string) (messageType, controlID, sendingFacility string) {
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		return "", "", ""
	}
	return msg.Type, msg.ControlID, msg.SendingFac
}
