// Package runid implements the collision-resistant run-id format referenced
// by §4.E's orphan recovery and §7's InvariantViolation ("non-cuid id where
// required"). The teacher's entities use a plain google/uuid for opaque ids;
// AffiliateFeedRun ids additionally need a cheap, allocation-free format
// check so orphan recovery can distinguish a run this system created from a
// legacy or hand-inserted row, without round-tripping through the database.
package runid

import (
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies ids minted by this system's run-id generator.
const Prefix = "run_"

// New returns a new conforming run id, e.g. "run_018f3c9e1e6e7c9fa1b2c3d4e5f6a7b8".
func New() string {
	return Prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Conforms reports whether id matches this system's run-id format. Runs
// with non-conforming (legacy) ids MUST NOT be reused by orphan recovery
// (§4.E) — a fresh run is created instead.
func Conforms(id string) bool {
	if !strings.HasPrefix(id, Prefix) {
		return false
	}
	suffix := strings.TrimPrefix(id, Prefix)
	if len(suffix) != 32 {
		return false
	}
	for _, r := range suffix {
		if !isHex(r) {
			return false
		}
	}
	return true
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
