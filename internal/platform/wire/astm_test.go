package wire

import (
	"strings"
	"testing"
)

const astmTransmission = "H|\\^&|||Sysmex^XN-1000|||||||P|LIS2-A2|20250115\r" +
	"P|1||PT2002\r" +
	"O|1|BAR555||^^^CBC|R\r" +
	"R|1|^^^HB|13.2|g/dL|12-16|N|||F\r" +
	"R|2|^^^WBC|5.6|10*3/uL|4-11|N|||F\r" +
	"L|1|N"

func TestParseASTM_Transmission(t *testing.T) {
	res, err := ParseASTM(astmTransmission)
	if err != nil {
		t.Fatalf("ParseASTM() error = %v", err)
	}
	if res.PatientIdentifier != "PT2002" {
		t.Errorf("PatientIdentifier = %q, want %q", res.PatientIdentifier, "PT2002")
	}
	if res.SpecimenBarcode != "BAR555" {
		t.Errorf("SpecimenBarcode = %q, want %q", res.SpecimenBarcode, "BAR555")
	}
	if len(res.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(res.Items))
	}

	hb := res.Items[0]
	if hb.ExternalCode != "HB" {
		t.Errorf("ExternalCode = %q, want %q", hb.ExternalCode, "HB")
	}
	if hb.ValueText != "13.2" {
		t.Errorf("ValueText = %q, want %q", hb.ValueText, "13.2")
	}
	if hb.Units != "g/dL" {
		t.Errorf("Units = %q, want %q", hb.Units, "g/dL")
	}
	if hb.ReferenceRange != "12-16" {
		t.Errorf("ReferenceRange = %q, want %q", hb.ReferenceRange, "12-16")
	}
	if hb.AbnormalFlag != "N" {
		t.Errorf("AbnormalFlag = %q, want %q", hb.AbnormalFlag, "N")
	}
	if hb.Status != "F" {
		t.Errorf("Status = %q, want %q", hb.Status, "F")
	}
	if got := res.Items[1].ExternalCode; got != "WBC" {
		t.Errorf("Items[1].ExternalCode = %q, want %q", got, "WBC")
	}
}

func TestParseASTM_PatientFieldWindow(t *testing.T) {
	tests := []struct {
		name   string
		record string
		want   string
	}{
		{"field 2", "P|1|PT-A", "PT-A"},
		{"field 3", "P|1||PT-B", "PT-B"},
		{"field 4", "P|1|||PT-C", "PT-C"},
		{"field 5", "P|1||||PT-D", "PT-D"},
		{"first non-empty wins", "P|1|PT-A||PT-C", "PT-A"},
		{"beyond window ignored", "P|1|||||PT-E", ""},
		{"lowercase record type", "p|1||pt-f", "pt-f"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseASTM(tt.record)
			if err != nil {
				t.Fatalf("ParseASTM() error = %v", err)
			}
			if res.PatientIdentifier != tt.want {
				t.Errorf("PatientIdentifier = %q, want %q", res.PatientIdentifier, tt.want)
			}
		})
	}
}

func TestParseASTM_SpecimenFieldWindow(t *testing.T) {
	tests := []struct {
		name   string
		record string
		want   string
	}{
		{"field 2", "O|1|SPEC-A", "SPEC-A"},
		{"field 3", "O|1||SPEC-B", "SPEC-B"},
		{"beyond window ignored", "O|1|||SPEC-C", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseASTM(tt.record)
			if err != nil {
				t.Fatalf("ParseASTM() error = %v", err)
			}
			if res.SpecimenBarcode != tt.want {
				t.Errorf("SpecimenBarcode = %q, want %q", res.SpecimenBarcode, tt.want)
			}
		})
	}
}

func TestParseASTM_CodeLastComponent(t *testing.T) {
	tests := []struct {
		name  string
		field string
		want  string
	}{
		{"universal test ID", "^^^HB", "HB"},
		{"bare code", "GLU", "GLU"},
		{"vendor suffix", "LN^718-7^HGB", "HGB"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseASTM("R|1|" + tt.field + "|5.0")
			if err != nil {
				t.Fatalf("ParseASTM() error = %v", err)
			}
			if len(res.Items) != 1 {
				t.Fatalf("len(Items) = %d, want 1", len(res.Items))
			}
			if got := res.Items[0].ExternalCode; got != tt.want {
				t.Errorf("ExternalCode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseASTM_EveryResultRecordYieldsItem(t *testing.T) {
	res, err := ParseASTM("R|1\rR|2|^^^HB\rR|3|^^^WBC|")
	if err != nil {
		t.Fatalf("ParseASTM() error = %v", err)
	}
	if len(res.Items) != 3 {
		t.Fatalf("len(Items) = %d, want 3 (one per R record, empty values included)", len(res.Items))
	}
	if got := res.Items[0].ValueText; got != "" {
		t.Errorf("Items[0].ValueText = %q, want empty", got)
	}
}

func TestParseASTM_LengthCaps(t *testing.T) {
	long := strings.Repeat("x", 300)
	record := "R|1|^^^" + long + "|" + long + "|" + long + "|" + long + "|" + long + "|||" + long

	res, err := ParseASTM(record)
	if err != nil {
		t.Fatalf("ParseASTM() error = %v", err)
	}
	item := res.Items[0]
	caps := []struct {
		name string
		got  string
		want int
	}{
		{"code", item.ExternalCode, CodeMaxLen},
		{"value", item.ValueText, ValueMaxLen},
		{"units", item.Units, UnitsMaxLen},
		{"range", item.ReferenceRange, RangeMaxLen},
		{"flag", item.AbnormalFlag, FlagMaxLen},
		{"status", item.Status, StatusMaxLen},
	}
	for _, c := range caps {
		if len(c.got) != c.want {
			t.Errorf("%s length = %d, want capped at %d", c.name, len(c.got), c.want)
		}
	}
}

func TestParseASTM_LineEndings(t *testing.T) {
	cr := "P|1||PT9\rR|1|^^^HB|13.2"
	crlf := strings.ReplaceAll(cr, "\r", "\r\n")
	lf := strings.ReplaceAll(cr, "\r", "\n")

	for _, raw := range []string{cr, crlf, lf} {
		res, err := ParseASTM(raw)
		if err != nil {
			t.Fatalf("ParseASTM() error = %v", err)
		}
		if res.PatientIdentifier != "PT9" || len(res.Items) != 1 {
			t.Errorf("parse of %q: patient %q, %d items; want PT9 and 1 item",
				raw, res.PatientIdentifier, len(res.Items))
		}
	}
}

func TestParseASTM_GarbageTolerated(t *testing.T) {
	for _, raw := range []string{"", "\r\r\r", "not astm at all", "Z|unknown|record"} {
		res, err := ParseASTM(raw)
		if err != nil {
			t.Fatalf("ParseASTM(%q) error = %v", raw, err)
		}
		if len(res.Items) != 0 {
			t.Errorf("ParseASTM(%q) produced %d items, want 0", raw, len(res.Items))
		}
	}
}
