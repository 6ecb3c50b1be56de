package schema

import "encoding/base64"

// tokenPreviewLen is the fixed number of base64 characters shown in diagnostics.
const tokenPreviewLen = 20

// TokenPreview renders a completion token for logging: a fixed-length base64
// prefix plus an ellipsis. The full token must never appear in logs or
// errors; this helper is the only sanctioned rendering.
func TokenPreview(token []byte) string {
	if len(token) == 0 {
		return ""
	}
	enc := base64.StdEncoding.EncodeToString(token)
	if len(enc) <= tokenPreviewLen {
		return enc
	}
	return enc[:tokenPreviewLen] + "..."
}
