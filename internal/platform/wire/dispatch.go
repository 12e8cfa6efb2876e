package wire

import (
	"fmt"
	"strings"
)

// Format identifies one of the closed set of wire parsers.
type Format string

const (
	FormatHL7ORU       Format = "HL7_ORU"
	FormatASTM         Format = "ASTM"
	FormatVendorPacket Format = "VENDOR_PACKET"
)

// Protocol is a device's declared delivery protocol. It is stored on the
// device record and is authoritative for parser selection: a device
// registered as ASTM_HTTP gets the ASTM parser even when a payload
// superficially resembles HL7.
type Protocol string

const (
	ProtocolHL7MLLP       Protocol = "HL7_MLLP"
	ProtocolHL7HTTP       Protocol = "HL7_HTTP"
	ProtocolASTMHTTP      Protocol = "ASTM_HTTP"
	ProtocolMispaVivaHTTP Protocol = "MISPA_VIVA_HTTP"
)

// ValidProtocols enumerates the accepted device protocol values.
var ValidProtocols = map[Protocol]bool{
	ProtocolHL7MLLP:       true,
	ProtocolHL7HTTP:       true,
	ProtocolASTMHTTP:      true,
	ProtocolMispaVivaHTTP: true,
}

// Kind is the caller-supplied format hint on the HTTP ingest boundary.
type Kind string

const (
	KindAuto      Kind = "AUTO"
	KindHL7       Kind = "HL7"
	KindASTM      Kind = "ASTM"
	KindMispaViva Kind = "MISPA_VIVA"
	KindRaw       Kind = "RAW"
)

// ValidKinds enumerates the accepted ingest kind hints.
var ValidKinds = map[Kind]bool{
	KindAuto:      true,
	KindHL7:       true,
	KindASTM:      true,
	KindMispaViva: true,
	KindRaw:       true,
}

// Parse runs the parser selected by f over raw. Unknown formats are a
// programming error, not an instrument error.
func (f Format) Parse(raw string) (*Result, error) {
	switch f {
	case FormatHL7ORU:
		return ParseHL7ORU(raw)
	case FormatASTM:
		return ParseASTM(raw)
	case FormatVendorPacket:
		return ParseMispaViva(raw)
	default:
		return nil, fmt.Errorf("no parser for format %q", string(f))
	}
}

// ChooseFormat resolves which parser handles a payload. Explicit
// configuration wins over content sniffing: the device's declared
// protocol decides first, then a non-AUTO kind hint, and only then the
// payload itself. AUTO and RAW hints defer to sniffing.
func ChooseFormat(protocol Protocol, kind Kind, raw string) Format {
	if f, ok := formatForProtocol(protocol); ok {
		return f
	}
	if f, ok := formatForKind(kind); ok {
		return f
	}
	return SniffFormat(raw)
}

func formatForProtocol(p Protocol) (Format, bool) {
	switch p {
	case ProtocolHL7MLLP, ProtocolHL7HTTP:
		return FormatHL7ORU, true
	case ProtocolASTMHTTP:
		return FormatASTM, true
	case ProtocolMispaVivaHTTP:
		return FormatVendorPacket, true
	default:
		return "", false
	}
}

func formatForKind(k Kind) (Format, bool) {
	switch k {
	case KindHL7:
		return FormatHL7ORU, true
	case KindASTM:
		return FormatASTM, true
	case KindMispaViva:
		return FormatVendorPacket, true
	default:
		return "", false
	}
}

// SniffFormat guesses a payload's format from its content. Used only when
// neither the device protocol nor the kind hint decides.
func SniffFormat(raw string) Format {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "MSH|") {
		return FormatHL7ORU
	}
	// ASTM headers sit at or very near the start of the transmission,
	// sometimes behind a frame number or control byte.
	head := trimmed
	if len(head) > 8 {
		head = head[:8]
	}
	if strings.Contains(head, "H|") {
		return FormatASTM
	}
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "ptid:") || strings.Contains(lower, "testname:") {
		return FormatVendorPacket
	}
	if strings.HasPrefix(trimmed, "MSH") {
		return FormatHL7ORU
	}
	return FormatASTM
}
