package wire

import "time"

// Storage caps applied to parsed item fields. Instruments send free-form
// text; downstream columns are sized to these limits, so parsers and the
// staging path both truncate defensively.
const (
	CodeMaxLen   = 80
	ValueMaxLen  = 255
	UnitsMaxLen  = 40
	RangeMaxLen  = 80
	FlagMaxLen   = 10
	StatusMaxLen = 10
)

// Result is the normalized output shared by every wire parser. Whatever
// the inbound format, the dispatcher and the staging pipeline only ever
// see this shape.
type Result struct {
	PatientIdentifier   string
	EncounterIdentifier string
	SpecimenBarcode     string
	ObservedAt          *time.Time
	Items               []ResultItem
}

// ResultItem is one analyte/observation extracted from a message.
// InternalTestID is resolved later by the mapping layer, never by parsers.
type ResultItem struct {
	ExternalCode   string
	ValueText      string
	Units          string
	ReferenceRange string
	AbnormalFlag   string
	Status         string
	ObservedAt     *time.Time
}

// Clamp returns a copy of the item with every text field truncated to its
// storage cap.
func (it ResultItem) Clamp() ResultItem {
	it.ExternalCode = Truncate(it.ExternalCode, CodeMaxLen)
	it.ValueText = Truncate(it.ValueText, ValueMaxLen)
	it.Units = Truncate(it.Units, UnitsMaxLen)
	it.ReferenceRange = Truncate(it.ReferenceRange, RangeMaxLen)
	it.AbnormalFlag = Truncate(it.AbnormalFlag, FlagMaxLen)
	it.Status = Truncate(it.Status, StatusMaxLen)
	return it
}

// Truncate cuts s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
