package wire

import (
	"strings"
	"testing"
	"time"
)

func oruMessage(segments ...string) string {
	all := append([]string{
		"MSH|^~\\&|Analyzer|HEMA1|LIS|LAB|20250115103000||ORU^R01|CTRL100|P|2.5.1",
	}, segments...)
	return strings.Join(all, "\r")
}

// segmentWithField builds a segment whose only populated field sits at the
// given 1-based index. Saves counting pipes in fixtures.
func segmentWithField(name string, index int, value string) string {
	fields := make([]string, index)
	fields[index-1] = value
	return name + "|" + strings.Join(fields, "|")
}

func TestParseHL7ORU_FullMessage(t *testing.T) {
	raw := oruMessage(
		"PID|1||PT1001^^^HOSP^MR||Doe^Jane",
		segmentWithField("PV1", 19, "ENC555"),
		"OBR|1|PLACER77|FILLER123|CBC^Complete Blood Count||20250115100000|20250115103000",
		"SPM|1|BAR987^LAB||BLD",
		"OBX|1|NM|718-7^Hemoglobin^LN||13.2|g/dL|12.0-16.0|N|||F",
		"OBX|2|NM|6690-2^WBC^LN||5.6|10*3/uL|4.0-11.0|N|||F",
	)

	res, err := ParseHL7ORU(raw)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if res.PatientIdentifier != "PT1001" {
		t.Errorf("PatientIdentifier = %q, want %q", res.PatientIdentifier, "PT1001")
	}
	if res.EncounterIdentifier != "ENC555" {
		t.Errorf("EncounterIdentifier = %q, want %q", res.EncounterIdentifier, "ENC555")
	}
	if res.SpecimenBarcode != "BAR987" {
		t.Errorf("SpecimenBarcode = %q, want %q", res.SpecimenBarcode, "BAR987")
	}
	wantObserved := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	if res.ObservedAt == nil || !res.ObservedAt.Equal(wantObserved) {
		t.Errorf("ObservedAt = %v, want %v", res.ObservedAt, wantObserved)
	}
	if len(res.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(res.Items))
	}

	first := res.Items[0]
	if first.ExternalCode != "718-7" {
		t.Errorf("ExternalCode = %q, want %q", first.ExternalCode, "718-7")
	}
	if first.ValueText != "13.2" {
		t.Errorf("ValueText = %q, want %q", first.ValueText, "13.2")
	}
	if first.Units != "g/dL" {
		t.Errorf("Units = %q, want %q", first.Units, "g/dL")
	}
	if first.ReferenceRange != "12.0-16.0" {
		t.Errorf("ReferenceRange = %q, want %q", first.ReferenceRange, "12.0-16.0")
	}
	if first.AbnormalFlag != "N" {
		t.Errorf("AbnormalFlag = %q, want %q", first.AbnormalFlag, "N")
	}
	if first.Status != "F" {
		t.Errorf("Status = %q, want %q", first.Status, "F")
	}
	if first.ObservedAt == nil || !first.ObservedAt.Equal(wantObserved) {
		t.Errorf("item ObservedAt = %v, want %v", first.ObservedAt, wantObserved)
	}
}

func TestParseHL7ORU_OneItemPerOBX(t *testing.T) {
	raw := oruMessage(
		"PID|1||PT1",
		"OBR|1||F1|PANEL||20250101080000",
		"OBX|1|NM|NA^Sodium||140|mmol/L|135-145|N|||F",
		"OBX|2|NM|K^Potassium||4.1|mmol/L|3.5-5.1|N|||F",
		"OBX|3|NM|CL^Chloride||101|mmol/L|98-107|N|||F",
	)

	res, err := ParseHL7ORU(raw)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if len(res.Items) != 3 {
		t.Fatalf("len(Items) = %d, want 3", len(res.Items))
	}
	wantCodes := []string{"NA", "K", "CL"}
	for i, want := range wantCodes {
		if got := res.Items[i].ExternalCode; got != want {
			t.Errorf("Items[%d].ExternalCode = %q, want %q", i, got, want)
		}
	}
}

func TestParseHL7ORU_EncapsulatedData(t *testing.T) {
	raw := oruMessage(
		"OBR|1||F1|SCOPE",
		"OBX|1|ED|IMG^Scatter Plot||JVBERi0xLjQKJcfs^Base64^PNG",
		"OBX|2|NM|HB^Hemoglobin||13.2|g/dL",
	)

	res, err := ParseHL7ORU(raw)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(res.Items))
	}
	if got := res.Items[0].ValueText; got != edPlaceholder {
		t.Errorf("ED ValueText = %q, want %q", got, edPlaceholder)
	}
	if got := res.Items[0].Status; got != "" {
		t.Errorf("ED Status = %q, want empty (no default for binary items)", got)
	}
	if got := res.Items[1].Status; got != "F" {
		t.Errorf("NM Status = %q, want default %q", got, "F")
	}
}

func TestParseHL7ORU_StatusPassedThrough(t *testing.T) {
	raw := oruMessage(
		"OBR|1||F1|CBC",
		"OBX|1|NM|HB^Hemoglobin||13.2|g/dL|||||P",
	)

	res, err := ParseHL7ORU(raw)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if got := res.Items[0].Status; got != "P" {
		t.Errorf("Status = %q, want %q", got, "P")
	}
}

func TestParseHL7ORU_EncounterFallback(t *testing.T) {
	raw := oruMessage(segmentWithField("PV1", 50, "VN999"))

	res, err := ParseHL7ORU(raw)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if res.EncounterIdentifier != "VN999" {
		t.Errorf("EncounterIdentifier = %q, want fallback %q", res.EncounterIdentifier, "VN999")
	}
}

func TestParseHL7ORU_SpecimenFallback(t *testing.T) {
	withSPM := oruMessage(
		"OBR|1|P1|FILLER123|CBC",
		"SPM|1|BARCODE-A",
	)
	withoutSPM := oruMessage("OBR|1|P1|FILLER123|CBC")

	res, err := ParseHL7ORU(withSPM)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if res.SpecimenBarcode != "BARCODE-A" {
		t.Errorf("SpecimenBarcode = %q, want SPM value %q", res.SpecimenBarcode, "BARCODE-A")
	}

	res, err = ParseHL7ORU(withoutSPM)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if res.SpecimenBarcode != "FILLER123" {
		t.Errorf("SpecimenBarcode = %q, want OBR fallback %q", res.SpecimenBarcode, "FILLER123")
	}
}

func TestParseHL7ORU_ObservedAt(t *testing.T) {
	midnight := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	observed := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	requested := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		obr6 string
		obr7 string
		want *time.Time
	}{
		{"field 7 preferred", "20250115080000", "20250115103000", &observed},
		{"falls back to field 6", "20250115080000", "", &requested},
		{"date only parses to midnight", "", "20250101", &midnight},
		{"unparsable yields nil", "REQ-88", "not-a-date", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := oruMessage(
				"OBR|1|P1|F1|CBC||"+tt.obr6+"|"+tt.obr7,
				"OBX|1|NM|HB^Hemoglobin||13.2",
			)
			res, err := ParseHL7ORU(raw)
			if err != nil {
				t.Fatalf("ParseHL7ORU() error = %v", err)
			}
			got := res.Items[0].ObservedAt
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("ObservedAt = %v, want nil", got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Errorf("ObservedAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseHL7ORU_PerGroupTimestamps(t *testing.T) {
	raw := oruMessage(
		"OBR|1||F1|CBC|||20250115103000",
		"OBX|1|NM|HB^Hemoglobin||13.2",
		"OBR|2||F2|CHEM|||20250116090000",
		"OBX|1|NM|GLU^Glucose||98",
	)

	res, err := ParseHL7ORU(raw)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(res.Items))
	}
	first := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	second := time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC)
	if got := res.Items[0].ObservedAt; got == nil || !got.Equal(first) {
		t.Errorf("Items[0].ObservedAt = %v, want %v", got, first)
	}
	if got := res.Items[1].ObservedAt; got == nil || !got.Equal(second) {
		t.Errorf("Items[1].ObservedAt = %v, want %v", got, second)
	}
	if res.ObservedAt == nil || !res.ObservedAt.Equal(first) {
		t.Errorf("ObservedAt = %v, want first group %v", res.ObservedAt, first)
	}
}

func TestParseHL7ORU_OBXWithoutOBR(t *testing.T) {
	raw := oruMessage("OBX|1|NM|HB^Hemoglobin||13.2")

	res, err := ParseHL7ORU(raw)
	if err != nil {
		t.Fatalf("ParseHL7ORU() error = %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(res.Items))
	}
	if res.Items[0].ObservedAt != nil {
		t.Errorf("ObservedAt = %v, want nil without an OBR group", res.Items[0].ObservedAt)
	}
}

func TestParseHL7ORU_MissingMSH(t *testing.T) {
	if _, err := ParseHL7ORU("PID|1||PT1001\rOBX|1|NM|HB||13.2"); err == nil {
		t.Error("ParseHL7ORU() error = nil, want error for missing MSH")
	}
}

func TestHL7Metadata(t *testing.T) {
	msgType, controlID, facility := HL7Metadata(oruMessage("PID|1||PT1"))
	if msgType != "ORU^R01" {
		t.Errorf("messageType = %q, want %q", msgType, "ORU^R01")
	}
	if controlID != "CTRL100" {
		t.Errorf("controlID = %q, want %q", controlID, "CTRL100")
	}
	if facility != "HEMA1" {
		t.Errorf("sendingFacility = %q, want %q", facility, "HEMA1")
	}

	msgType, controlID, facility = HL7Metadata("R|1|^^^HB|13.2")
	if msgType != "" || controlID != "" || facility != "" {
		t.Errorf("non-HL7 metadata = (%q, %q, %q), want empty", msgType, controlID, facility)
	}
}
