package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// detectorID derives the 16-hex-character identity digest from the detector
// kind tag and its canonical params JSON. The tag disambiguates detectors of
// different kinds that happen to share parameter values.
func detectorID(kind, paramsJSON string) string {
	sum := sha256.Sum256([]byte(kind + "||" + paramsJSON))
	return hex.EncodeToString(sum[:8])
}

// canonicalParams serializes a parameter map as compact JSON with sorted
// keys. An empty map serializes as "{}".
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	// json.Marshal emits map keys sorted and no whitespace, which is exactly
	// the canonical form detector ids are hashed over.
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}
