package schema

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenPreview_Empty(t *testing.T) {
	assert.Equal(t, "", TokenPreview(nil))
	assert.Equal(t, "", TokenPreview([]byte{}))
}

func TestTokenPreview_ShortToken(t *testing.T) {
	token := []byte("abc")
	preview := TokenPreview(token)
	assert.Equal(t, base64.StdEncoding.EncodeToString(token), preview)
	assert.False(t, strings.HasSuffix(preview, "..."))
}

func TestTokenPreview_Truncated(t *testing.T) {
	token := bytes.Repeat([]byte{0xAB}, 32)
	preview := TokenPreview(token)

	assert.Len(t, preview, tokenPreviewLen+3)
	assert.True(t, strings.HasSuffix(preview, "..."))

	// The preview must never contain the full encoded token.
	full := base64.StdEncoding.EncodeToString(token)
	assert.NotContains(t, preview, full)
}

func TestTokenPreview_FixedLength(t *testing.T) {
	// Previews of long tokens are fixed-length regardless of token size.
	a := TokenPreview(bytes.Repeat([]byte{1}, 64))
	b := TokenPreview(bytes.Repeat([]byte{2}, 256))
	assert.Equal(t, len(a), len(b))
}
