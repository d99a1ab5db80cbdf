package providers

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// MachineLabel is the provider tag or label key that records which cirrus
// machine an instance belongs to. Adapters use it to find an instance an
// earlier, ambiguous create attempt already made.
const MachineLabel = "cirrus-machine"

// machineNamespace seeds RequestID so request IDs are stable across restarts.
var machineNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://cirrus.dev/machines"))

// ClientToken returns a stable idempotency token of 64 characters for a
// machine. EC2 accepts up to 64 ASCII characters.
func ClientToken(machineID string) string {
	sum := sha256.Sum256([]byte(machineID))
	return hex.EncodeToString(sum[:])
}

// RequestID returns a stable UUID for a machine, for APIs whose idempotency
// key must be a UUID.
func RequestID(machineID string) string {
	return uuid.NewSHA1(machineNamespace, []byte(machineID)).String()
}

// LabelValue renders a machine ID as a label value accepted by every
// provider: lowercase letters, digits, dashes and underscores, at most 63
// characters. IDs that do not fit are replaced by a hash.
func LabelValue(machineID string) string {
	valid := len(machineID) > 0 && len(machineID) <= 63
	for _, r := range machineID {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			valid = false
			break
		}
	}
	if valid {
		return machineID
	}
	return "h-" + ClientToken(machineID)[:40]
}

// WithMachineLabel returns a copy of tags carrying the machine label. An
// empty machine ID returns tags unchanged.
func WithMachineLabel(tags map[string]string, machineID string) map[string]string {
	if machineID == "" {
		return tags
	}
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out[MachineLabel] = LabelValue(machineID)
	return out
}
