// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the identity derivations of the opx pipeline.
//
// Every identifier in the system is a lowercase-hex SHA-256 digest of a
// documented, canonicalized input. Two implementations that canonicalize and
// hash these inputs identically produce identical IDs across languages.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Map keys are sorted lexicographically by UTF-8 bytes at every depth,
// arrays preserve order, and HTML escaping is disabled.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalizeDeep decodes v into the generic JSON value model
// (nil / bool / json.Number / string / map / slice). Pure; used everywhere a
// hash is taken over structured input.
func CanonicalizeDeep(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode failed: %w", err)
	}
	return generic, nil
}

// SHA256Hex computes the SHA-256 digest of data as lowercase hex.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// MustHash is Hash for values that are known to serialize. It panics on
// serialization failure, which indicates a programming error.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
