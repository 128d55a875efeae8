package order

import (
	"encoding/json"
	"fmt"
)

// wirePriority is the serialized shape shared with servers and fixtures:
// {field, desc?, nulls?: "first"|"last"}.
type wirePriority struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
	Nulls string `json:"nulls,omitempty"`
}

// MarshalJSON renders p in the wire shape. The nulls key is emitted only
// for nulls-first; nulls-last is the comparator's default placement.
func (p Priority) MarshalJSON() ([]byte, error) {
	w := wirePriority{Field: p.Field, Desc: p.Descending}
	if p.NullsFirst {
		w.Nulls = "first"
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape accepted by MarshalJSON.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var w wirePriority
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Field == "" {
		return fmt.Errorf("order: priority requires field")
	}
	switch w.Nulls {
	case "", "first", "last":
	default:
		return fmt.Errorf("order: nulls must be %q or %q, got %q", "first", "last", w.Nulls)
	}
	p.Field = w.Field
	p.Descending = w.Desc
	p.NullsFirst = w.Nulls == "first"
	return nil
}
