// Package ident provides timestamps, identifiers, content hashes, and
// idempotency keys for the durable store.
//
// All hashes are lowercase SHA-256 hex over canonical JSON so that two
// logically equal payloads always produce the same digest regardless of
// struct field order or map iteration.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ledgerNamespace prefixes every idempotency key so keys from different
// deployments of the ledger format never collide.
const ledgerNamespace = "ns=ff6.4"

// Clock supplies the current time. The production implementation is
// [SystemClock]; tests substitute a deterministic clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Timestamp formats t as RFC 3339 UTC, the on-disk timestamp format for
// every record in the store.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTimestamp parses an RFC 3339 timestamp as written by [Timestamp].
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}

	return t.UTC(), nil
}

// NewRunID generates a run identifier of the form "run-{unix_ms}-{8 hex}".
func NewRunID(now time.Time) string {
	return prefixedID("run", now)
}

// NewIncidentID generates an incident identifier of the form
// "incident-{unix_ms}-{8 hex}".
func NewIncidentID(now time.Time) string {
	return prefixedID("incident", now)
}

// NewDLQID generates a dead-letter entry identifier of the form
// "dlq-{unix_ms}-{8 hex}".
func NewDLQID(now time.Time) string {
	return prefixedID("dlq", now)
}

func prefixedID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), randHex(4))
}

// NewOwnerToken generates an opaque lock-owner token. Run-scoped locks use
// the run ID as owner instead; this token exists for callers that mutate the
// store outside a run (repair tooling, tests).
func NewOwnerToken() string {
	return "owner-" + uuid.NewString()
}

// randHex returns n random bytes as 2n lowercase hex characters.
// crypto/rand.Read never fails on supported platforms; a failure here means
// the process cannot continue safely.
func randHex(n int) string {
	buf := make([]byte, n)

	_, err := rand.Read(buf)
	if err != nil {
		panic(fmt.Sprintf("ident: read random bytes: %v", err))
	}

	return hex.EncodeToString(buf)
}

// CanonicalJSON renders v as canonical JSON: object keys sorted, no
// insignificant whitespace, trailing newline stripped.
//
// The value is marshaled, decoded into generic form, and re-marshaled so
// that struct field order never leaks into the digest. Values that cannot
// round-trip through encoding/json (channels, funcs, NaN) return an error.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var generic any

	err = json.Unmarshal(raw, &generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("remarshal: %w", err)
	}

	return canonical, nil
}

// Checksum returns the lowercase SHA-256 hex digest of the canonical JSON
// form of v.
func Checksum(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}

	return HashBytes(canonical), nil
}

// HashBytes returns the lowercase SHA-256 hex digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

// ChainHash computes the audit-chain hash for an event: SHA-256 over the
// previous hash concatenated with the canonical event payload.
func ChainHash(previousHash string, event any) (string, error) {
	canonical, err := CanonicalJSON(event)
	if err != nil {
		return "", err
	}

	return HashBytes(append([]byte(previousHash), canonical...)), nil
}

// IdempotencyKey derives the ledger idempotency key for an event:
// SHA-256("ns=ff6.4|" + sourceEventID + "|" + canonical(payload) + "|" +
// targetScope + "|" + seq).
func IdempotencyKey(sourceEventID string, payload any, targetScope string, seq uint64) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	material := fmt.Sprintf("%s|%s|%s|%s|%d", ledgerNamespace, sourceEventID, canonical, targetScope, seq)

	return HashBytes([]byte(material)), nil
}

// OperationKey derives the DLQ idempotency key for a failed operation from
// its verb, parameters, and resource. Two adds of the same logical
// operation collapse into one entry.
func OperationKey(verb string, params any, resource string) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}

	material := fmt.Sprintf("%s|%s|%s", verb, canonical, resource)

	return HashBytes([]byte(material)), nil
}
