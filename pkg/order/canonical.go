package order

import "github.com/google/go-querystring/query"

// wireDescriptor wraps a Descriptor so go-querystring can encode the
// priority slice as repeated, index-qualified keys.
type wireDescriptor struct {
	P Descriptor `url:"p"`
}

// CanonicalKey returns a deterministic serialization of d: go-querystring
// encodes the priority structs into url.Values, whose Encode method sorts
// keys alphabetically, giving the same string for the same descriptor
// regardless of how it was constructed.
func CanonicalKey(d Descriptor) string {
	values, err := query.Values(wireDescriptor{P: d})
	if err != nil {
		// query.Values only fails on unsupported field types; Priority's
		// fields (string/bool) are always supported, so this path is
		// unreachable in practice. Fall back to a stable literal rather
		// than panicking on a cache-key computation.
		return "order:invalid"
	}
	return values.Encode()
}
