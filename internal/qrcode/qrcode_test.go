package qrcode_test

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mfa-service/internal/qrcode"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestPNG(t *testing.T) {
	t.Parallel()

	png, err := qrcode.PNG("otpauth://totp/x?secret=JBSWY3DPEHPK3PXP", 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngMagic))

	_, err = qrcode.PNG("   ", 100)
	assert.ErrorIs(t, err, qrcode.ErrEmptyContent)
}

func TestDataURL(t *testing.T) {
	t.Parallel()

	url, err := qrcode.DataURL("otpauth://totp/x?secret=JBSWY3DPEHPK3PXP", 200)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, pngMagic))
}
