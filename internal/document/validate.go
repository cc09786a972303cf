package document

import (
	"fmt"
	"time"
)

// DateLayout is the only accepted date format: four-digit year, two-digit month and day
const DateLayout = "2006/01/02"

// CheckDate accepts a string holding a real calendar date in YYYY/MM/DD form
func CheckDate(field string, value any) *Error {
	s, ok := value.(string)
	if !ok {
		return NewDateError(field, fmt.Errorf("expected string, got %T", value))
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return NewDateError(field, err)
	}
	return nil
}

// Validate runs the descriptor's field checks against rec in schema order.
// The first failing field is reported; later fields are not checked.
func Validate(rec *Record) (*Record, error) {
	d, err := Lookup(rec.Kind)
	if err != nil {
		return nil, err
	}
	for _, f := range d.Fields {
		if f.Check == nil {
			continue
		}
		if err := f.Check(f.Name, rec.Fields[f.Name]); err != nil {
			return nil, err
		}
	}
	return rec, nil
}
