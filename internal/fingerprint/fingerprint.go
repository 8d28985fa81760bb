// Package fingerprint derives stable cache keys from AI request descriptors.
//
// Two requests that would produce the same prompt to the provider map to the
// same fingerprint; any change to a canonical field produces a different
// fingerprint. The canonical form carries a version tag so entries created
// under an older canonicalization are never served for a newer one.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// canonicalVersion tags the canonical serialization format. Bump it whenever
// the canonical form changes so stale cache entries can never match.
const canonicalVersion = "fp1"

// ErrInvalidRequest indicates a malformed or incomplete request descriptor.
// It is surfaced to the caller and never cached.
var ErrInvalidRequest = errors.New("invalid request descriptor")

// Fingerprint is a stable, fixed-length cache key for a request descriptor.
type Fingerprint string

// String returns the fingerprint as a string.
func (f Fingerprint) String() string {
	return string(f)
}

// Request describes a generation request in canonical terms: the prompt
// template, its ordered parameters, and a digest of the relevant
// business-context fields.
type Request struct {
	// Provider names the provider endpoint, e.g. "gemini".
	Provider string

	// Model is the model requested from the provider.
	Model string

	// TemplateID identifies the prompt template.
	TemplateID string

	// TemplateVersion is the prompt template version. Entries cached under
	// an older template version never satisfy lookups for a newer one.
	TemplateVersion string

	// Params are the template parameters. Serialization is
	// order-independent: parameters are sorted by key before hashing.
	Params map[string]string

	// ContextDigest is a digest of the business-profile fields relevant to
	// this request, as produced by ContextDigest.
	ContextDigest string
}

// Endpoint returns the provider endpoint identity for this request,
// used to key circuit breaker state and rolling statistics.
func (r Request) Endpoint() string {
	if r.Model == "" {
		return r.Provider
	}
	return r.Provider + ":" + r.Model
}

// Canonicalizer computes fingerprints from request descriptors.
type Canonicalizer struct{}

// NewCanonicalizer creates a new Canonicalizer.
func NewCanonicalizer() *Canonicalizer {
	return &Canonicalizer{}
}

// Fingerprint computes the fingerprint for a request descriptor.
// It returns ErrInvalidRequest if required fields are missing.
func (c *Canonicalizer) Fingerprint(req Request) (Fingerprint, error) {
	if req.TemplateID == "" {
		return "", fmt.Errorf("%w: template id is required", ErrInvalidRequest)
	}
	for key := range req.Params {
		if key == "" {
			return "", fmt.Errorf("%w: empty parameter key", ErrInvalidRequest)
		}
	}

	h := sha256.New()
	writeField(h, canonicalVersion)
	writeField(h, req.Provider)
	writeField(h, req.Model)
	writeField(h, req.TemplateID)
	writeField(h, req.TemplateVersion)

	keys := make([]string, 0, len(req.Params))
	for key := range req.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeField(h, key)
		writeField(h, req.Params[key])
	}

	writeField(h, req.ContextDigest)

	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// writeField writes a length-prefixed field to the hash so that adjacent
// fields can never be confused ("ab"+"c" vs "a"+"bc").
func writeField(h interface{ Write([]byte) (int, error) }, field string) {
	_, _ = fmt.Fprintf(h, "%d:", len(field))
	_, _ = h.Write([]byte(field))
	_, _ = h.Write([]byte{'|'})
}

// ContextDigest produces a stable digest of business-context fields for use
// in a request descriptor. Fields are sorted by name, so callers do not need
// to care about map iteration order.
func ContextDigest(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(fields[name])
		sb.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:16])
}
