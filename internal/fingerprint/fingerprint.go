// ============================================================================
// Computation Fingerprinting
// Responsibility:
// 1. Canonicalize opaque JSON parameters to a stable byte sequence
// 2. Derive the computation fingerprint hash(capability, canonical(params),
//    contentHash(input)) used for result caching and execution dedup
// ============================================================================

package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HashBytes returns the hex-encoded SHA-256 of raw input content.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Canonical re-encodes a JSON document with object keys sorted at every
// nesting level, so logically identical parameter sets always produce the
// same byte sequence. Numbers pass through verbatim (json.Number) to avoid
// float round-tripping.
func Canonical(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize parameters: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case json.Number:
		b.WriteString(t.String())
	default:
		eb, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(eb)
	}
	return nil
}

// Compute derives the deterministic fingerprint for one computation.
// contentHash identifies the input data; use HashBytes on inline data or
// on the opaque input reference when the data itself is not at hand.
func Compute(capability string, params json.RawMessage, contentHash string) (string, error) {
	canon, err := Canonical(params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(capability))
	h.Write([]byte{0})
	h.Write(canon)
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}
