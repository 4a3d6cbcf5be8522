package sterad

import (
	"crypto/sha256"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// CaptureEndpoint receives snapshots (POST) and invalidations (DELETE).
const CaptureEndpoint = "/__sterad_capture"

//go:embed capture.js
var captureScriptTemplate string

// captureScript is the browser snapshot script with selectors and endpoint
// filled in.
var captureScript = buildCaptureScript()

func buildCaptureScript() string {
	sels := make([]string, len(rootSelectors))
	for i, s := range rootSelectors {
		sels[i] = s.css()
	}
	encoded, _ := json.Marshal(sels)
	return strings.NewReplacer(
		"__STERAD_SELECTORS__", string(encoded),
		"__STERAD_ENDPOINT__", CaptureEndpoint,
	).Replace(captureScriptTemplate)
}

// scriptHash is the CSP source expression allowing the inline script.
func scriptHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return "'sha256-" + base64.StdEncoding.EncodeToString(sum[:]) + "'"
}
