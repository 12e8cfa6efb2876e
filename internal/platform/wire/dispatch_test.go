package wire

import "testing"

func TestChooseFormat_DeclaredProtocolWins(t *testing.T) {
	hl7Looking := "MSH|^~\\&|Analyzer|LAB|||20250115||ORU^R01|C1|P|2.5"

	tests := []struct {
		name     string
		protocol Protocol
		raw      string
		want     Format
	}{
		{"astm device gets astm parser despite MSH payload", ProtocolASTMHTTP, hl7Looking, FormatASTM},
		{"mllp device forces hl7", ProtocolHL7MLLP, "PTID:9\rResult:1", FormatHL7ORU},
		{"hl7 http device forces hl7", ProtocolHL7HTTP, "H|\\^&", FormatHL7ORU},
		{"vendor device forces vendor parser", ProtocolMispaVivaHTTP, hl7Looking, FormatVendorPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChooseFormat(tt.protocol, KindAuto, tt.raw); got != tt.want {
				t.Errorf("ChooseFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChooseFormat_KindHint(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		raw  string
		want Format
	}{
		{"explicit hl7", KindHL7, "H|\\^&", FormatHL7ORU},
		{"explicit astm", KindASTM, "MSH|^~\\&|x", FormatASTM},
		{"explicit vendor", KindMispaViva, "MSH|^~\\&|x", FormatVendorPacket},
		{"auto sniffs", KindAuto, "MSH|^~\\&|x", FormatHL7ORU},
		{"raw sniffs", KindRaw, "MSH|^~\\&|x", FormatHL7ORU},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChooseFormat("", tt.kind, tt.raw); got != tt.want {
				t.Errorf("ChooseFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChooseFormat_ProtocolBeatsKind(t *testing.T) {
	got := ChooseFormat(ProtocolHL7HTTP, KindASTM, "H|\\^&")
	if got != FormatHL7ORU {
		t.Errorf("ChooseFormat() = %q, want device protocol to win over kind hint", got)
	}
}

func TestSniffFormat(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Format
	}{
		{"hl7 header", "MSH|^~\\&|Analyzer", FormatHL7ORU},
		{"hl7 header after whitespace", "\n\nMSH|^~\\&|Analyzer", FormatHL7ORU},
		{"astm header", "H|\\^&|||Sysmex", FormatASTM},
		{"astm header behind frame number", "1H|\\^&|||Sysmex", FormatASTM},
		{"vendor ptid marker", "PTID:123\rResult:5", FormatVendorPacket},
		{"vendor testname marker lowercased", "testname:WBC", FormatVendorPacket},
		{"msh without pipe falls back to hl7", "MSH#&~\\@#App", FormatHL7ORU},
		{"bare result record defaults to astm", "R|1|^^^HB|13.2", FormatASTM},
		{"empty defaults to astm", "", FormatASTM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SniffFormat(tt.raw); got != tt.want {
				t.Errorf("SniffFormat(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFormatParse(t *testing.T) {
	res, err := FormatASTM.Parse("R|1|^^^HB|13.2")
	if err != nil {
		t.Fatalf("FormatASTM.Parse() error = %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ExternalCode != "HB" {
		t.Errorf("FormatASTM.Parse() items = %+v, want one HB item", res.Items)
	}

	if _, err := Format("CSV").Parse("a,b,c"); err == nil {
		t.Error("unknown format Parse() error = nil, want error")
	}
}

func TestResultItemClamp(t *testing.T) {
	item := ResultItem{
		ExternalCode: "HB",
		ValueText:    "13.2",
	}
	if got := item.Clamp(); got != item {
		t.Errorf("Clamp() changed an in-bounds item: %+v", got)
	}

	if got := Truncate("abcdef", 3); got != "abc" {
		t.Errorf("Truncate() = %q, want %q", got, "abc")
	}
	if got := Truncate("ab", 3); got != "ab" {
		t.Errorf("Truncate() = %q, want %q", got, "ab")
	}
}
