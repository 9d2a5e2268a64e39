package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// FingerprintFeatures hashes a bucketed view of a feature map so that two
// candidates with materially identical market context compare equal. Values
// are bucketed to two decimal places before hashing, deliberately coarser
// than raw floating point equality.
func FingerprintFeatures(features map[string]float64) string {
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		bucketed := math.Round(features[k]*100) / 100
		fmt.Fprintf(h, "%s=%.2f;", k, bucketed)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ConfigFingerprint hashes arbitrary canonical config bytes (typically the
// JSON snapshot of a RunConfig) to the short form used in manifests and
// artifact headers.
func ConfigFingerprint(configJSON []byte) (full string, short string) {
	sum := sha256.Sum256(configJSON)
	full = hex.EncodeToString(sum[:])
	return full, full[:8]
}
