package findings

import (
	"fmt"
	"strings"

	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Fingerprint hashes evidence after collapsing whitespace, so the same payload
// reflected with different formatting yields the same key.
func Fingerprint(evidence string) string {
	normalized := strings.Join(strings.Fields(evidence), " ")
	h1, h2 := murmur3.Sum128([]byte(normalized))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// KeyOf derives the identity key of a finding.
func KeyOf(f types.Finding) types.FindingKey {
	return types.FindingKey{
		Asset:       types.NormalizeAsset(string(f.Asset)),
		CheckKind:   f.CheckKind,
		Fingerprint: Fingerprint(f.Evidence),
	}
}
