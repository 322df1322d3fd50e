package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/root-sector/client-data-module-encryption/types"
)

// ComputeIntegrityHash returns a deterministic SHA-256 over the canonical
// field set of an event: every attribute except the hash itself, serialized
// in a fixed order with sorted context keys. Recomputing it after storage
// detects any post-hoc mutation.
func ComputeIntegrityHash(event *types.AuditEvent) string {
	var b strings.Builder
	b.WriteString(event.ID)
	b.WriteByte('|')
	b.WriteString(event.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(event.EventType)
	b.WriteByte('|')
	b.WriteString(event.CorrelationID)
	b.WriteByte('|')
	b.WriteString(event.ActorID)
	b.WriteByte('|')
	b.WriteString(event.ResourceType)
	b.WriteByte('|')
	b.WriteString(event.ResourceID)
	b.WriteByte('|')
	fmt.Fprintf(&b, "%s|%s|%s|%t|%d|%s|%d",
		event.Classification.Category,
		event.Classification.Subcategory,
		event.Classification.Severity,
		event.Classification.ComplianceRelevant,
		event.Classification.RetentionDays,
		event.Classification.PrivacyImpact,
		event.RiskScore,
	)

	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(event.Context[k])
	}
	for _, ref := range event.References {
		b.WriteByte('|')
		b.WriteString(ref)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrityHash recomputes the hash and compares it with the stored
// one. Returns types.ErrIntegrityViolation on mismatch.
func VerifyIntegrityHash(event *types.AuditEvent) error {
	if ComputeIntegrityHash(event) != event.IntegrityHash {
		return types.ErrIntegrityViolation
	}
	return nil
}
