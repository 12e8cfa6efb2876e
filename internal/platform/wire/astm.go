package wire

import "strings"

// ParseASTM normalizes an ASTM E1394-style transmission: CR-joined
// records, pipe-delimited fields, caret-joined components. Analyzers are
// loose about which identifier slot they populate, so patient and
// specimen extraction scan a small window of candidate fields. Parsing
// never fails; unrecognized records are skipped.
func ParseASTM(raw string) (*Result, error) {
	res := &Result{}
	normalized := strings.ReplaceAll(raw, "\r\n", "\r")
	normalized = strings.ReplaceAll(normalized, "\n", "\r")

	for _, line := range strings.Split(normalized, "\r") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		switch strings.ToUpper(strings.TrimSpace(fields[0])) {
		case "P":
			if id := firstNonEmpty(fields, 2, 5); id != "" {
				res.PatientIdentifier = id
			}
		case "O":
			if barcode := firstNonEmpty(fields, 2, 3); barcode != "" {
				res.SpecimenBarcode = barcode
			}
		case "R":
			res.Items = append(res.Items, astmItem(fields))
		}
	}
	return res, nil
}

// astmItem maps one R record to a result item. The test code rides in
// field 2 as a caret-joined universal test ID whose last component is the
// analyzer's local code (^^^HB means HB).
func astmItem(fields []string) ResultItem {
	code := astmField(fields, 2)
	if parts := strings.Split(code, "^"); len(parts) > 1 {
		code = parts[len(parts)-1]
	}
	return ResultItem{
		ExternalCode:   code,
		ValueText:      astmField(fields, 3),
		Units:          astmField(fields, 4),
		ReferenceRange: astmField(fields, 5),
		AbnormalFlag:   astmField(fields, 6),
		Status:         astmField(fields, 9),
	}.Clamp()
}

// astmField returns the trimmed field at index, or "" when the record is
// too short.
func astmField(fields []string, index int) string {
	if index < 0 || index >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[index])
}

func firstNonEmpty(fields []string, from, to int) string {
	for i := from; i <= to; i++ {
		if v := astmField(fields, i); v != "" {
			return v
		}
	}
	return ""
}
