// Package masking filters record fields for a requester's role set.
package masking

import (
	"fmt"
	"strings"

	"github.com/root-sector/client-data-module-encryption/interfaces"
	"github.com/root-sector/client-data-module-encryption/types"
)

// redactedPlaceholder is what callers see in place of values they may not
// read and for which no partial mask exists.
const redactedPlaceholder = "[REDACTED]"

// Controller implements interfaces.Masker. Masking is deterministic and
// stateless: the same value and role set always produce the same output.
// Masking is independent of decryption rights; a value decrypted for
// internal processing is still masked before reaching a lower-privileged
// caller.
type Controller struct {
	registry interfaces.PolicyRegistry
}

var _ interfaces.Masker = (*Controller)(nil)

// NewController creates a masking controller backed by the policy registry.
func NewController(registry interfaces.PolicyRegistry) *Controller {
	return &Controller{registry: registry}
}

// FilterForRole returns a copy of the record with fields the roles don't
// cover replaced by their masks. Fields without a registered policy pass
// through untouched.
func (c *Controller) FilterForRole(record types.Record, roles []string) types.Record {
	if record == nil {
		return nil
	}
	return types.Record(c.filterInto("", map[string]interface{}(record), roles))
}

func (c *Controller) filterInto(prefix string, in map[string]interface{}, roles []string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		path := joinPath(prefix, key)

		if nested, ok := value.(map[string]interface{}); ok {
			if _, err := c.registry.Resolve(path); err != nil {
				out[key] = c.filterInto(path, nested, roles)
				continue
			}
		}

		policy, err := c.registry.Resolve(path)
		if err != nil {
			out[key] = value
			continue
		}

		if policy.PermitsRole(roles) {
			out[key] = value
			continue
		}

		out[key] = c.maskField(policy, value)
	}
	return out
}

// maskField produces the masked representation of one field value. Values
// still in envelope form cannot be partially shown, so they collapse to the
// redaction placeholder.
func (c *Controller) maskField(policy *types.FieldPolicy, value interface{}) string {
	switch value.(type) {
	case *types.EncryptedFieldEnvelope, types.EncryptedFieldEnvelope:
		return redactedPlaceholder
	}
	return c.MaskValue(policy.MaskStrategy, valueString(value))
}

// MaskValue applies a masking strategy to a single value. Unknown strategies
// fall back to full redaction, never to the real value.
func (c *Controller) MaskValue(strategy, value string) string {
	switch strategy {
	case types.MaskLast4:
		return maskLast4(value)
	case types.MaskDomainOnly:
		return maskDomainOnly(value)
	case types.MaskNameHint:
		return maskNameHint(value)
	case types.MaskRedact:
		return redactedPlaceholder
	default:
		return redactedPlaceholder
	}
}

// maskLast4 shows the last four characters of an identifier.
func maskLast4(value string) string {
	runes := []rune(value)
	if len(runes) <= 4 {
		return redactedPlaceholder
	}
	return "****" + string(runes[len(runes)-4:])
}

// maskDomainOnly shows only the domain of an address-like value.
func maskDomainOnly(value string) string {
	at := strings.LastIndex(value, "@")
	if at < 0 || at == len(value)-1 {
		return redactedPlaceholder
	}
	return "****@" + value[at+1:]
}

// maskNameHint shows the first character of a name.
func maskNameHint(value string) string {
	runes := []rune(value)
	if len(runes) == 0 {
		return redactedPlaceholder
	}
	return string(runes[0]) + "***"
}

func valueString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
