// Package entity holds the types shared by every Chimera component: the
// entity identifier, the per-entity-kind configuration, and the small set of
// callback/result shapes an embedder implements to hook an entity kind up to
// a remote data provider.
package entity

import (
	"fmt"
	"strconv"
)

// Id is an EntityId: a string or integer primary key with total equality.
// The zero value is the empty string id, matching the JSON-friendly default
// most embedders use for unset ids.
type Id struct {
	str   string
	num   int64
	isNum bool
}

// StringId builds a string-valued Id.
func StringId(s string) Id {
	return Id{str: s}
}

// IntId builds an integer-valued Id.
func IntId(n int64) Id {
	return Id{num: n, isNum: true}
}

// IsInt reports whether the id was constructed from an integer.
func (i Id) IsInt() bool {
	return i.isNum
}

// String returns the id's canonical string form, used for map keys and
// canonical filter/order serialization.
func (i Id) String() string {
	if i.isNum {
		return strconv.FormatInt(i.num, 10)
	}
	return i.str
}

// Equal reports total equality between two ids: same kind (string/int) and
// same value.
func (i Id) Equal(other Id) bool {
	return i.isNum == other.isNum && i.str == other.str && i.num == other.num
}

// GoString implements fmt.GoStringer for readable test failure output.
func (i Id) GoString() string {
	if i.isNum {
		return fmt.Sprintf("entity.IntId(%d)", i.num)
	}
	return fmt.Sprintf("entity.StringId(%q)", i.str)
}

// FromValue coerces a field's runtime value into an Id: string and integer
// kinds map to their respective Id forms, an Id passes through, and
// anything else falls back to its string rendering.
func FromValue(v any) Id {
	switch t := v.(type) {
	case Id:
		return t
	case string:
		return StringId(t)
	case int:
		return IntId(int64(t))
	case int32:
		return IntId(int64(t))
	case int64:
		return IntId(t)
	default:
		return StringId(fmt.Sprint(t))
	}
}
