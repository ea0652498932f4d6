package encryption_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mfa-service/internal/config"
	"mfa-service/internal/encryption"
)

const testKey = "0123456789abcdef0123456789abcdef"

var storedForm = regexp.MustCompile(`^[0-9a-f]{32}:[0-9a-f]+$`)

func newCipher(t *testing.T) *encryption.SecretCipher {
	t.Helper()
	c, err := encryption.NewSecretCipher([]byte(testKey))
	require.NoError(t, err)
	return c
}

func TestSecretCipher_RoundTrip(t *testing.T) {
	t.Parallel()
	c := newCipher(t)

	for _, secret := range []string{"JBSWY3DPEHPK3PXP", "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ", "", "x", strings.Repeat("A", 64)} {
		stored, err := c.Encrypt(secret)
		require.NoError(t, err)
		assert.Regexp(t, storedForm, stored)

		got, err := c.Decrypt(stored)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}
}

func TestSecretCipher_FreshIV(t *testing.T) {
	t.Parallel()
	c := newCipher(t)

	a, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	b, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSecretCipher_KnownAnswer(t *testing.T) {
	t.Parallel()
	iv := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	c := newCipher(t).WithRandom(bytes.NewReader(iv))

	const want = "000102030405060708090a0b0c0d0e0f:a00852f2f0a76fa11b5a51433223250a281a8b2963744aa5f0056bc8e5288435"

	got, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	raw, err := newCipher(t).Decrypt(want)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", raw)
}

func TestSecretCipher_DecryptErrors(t *testing.T) {
	t.Parallel()
	c := newCipher(t)

	valid, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	iv, ct, _ := strings.Cut(valid, ":")

	tests := map[string]string{
		"no separator":     iv + ct,
		"empty":            "",
		"short iv":         "0001:" + ct,
		"bad hex":          iv + ":zz",
		"partial block":    iv + ":" + ct[:10],
		"empty ciphertext": iv + ":",
		"extra colon":      iv + ":" + ct[:32] + ":" + ct[32:],
	}
	for name, stored := range tests {
		_, err := c.Decrypt(stored)
		assert.ErrorIs(t, err, encryption.ErrDecryptionFailed, name)
	}

	other, err := encryption.NewSecretCipher([]byte(strings.Repeat("z", 32)))
	require.NoError(t, err)
	if raw, err := other.Decrypt(valid); err == nil {
		// a wrong key only passes the padding check by chance, never with the right plaintext
		assert.NotEqual(t, "JBSWY3DPEHPK3PXP", raw)
	} else {
		assert.ErrorIs(t, err, encryption.ErrDecryptionFailed)
	}
}

func TestNewSecretCipher_KeyLength(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "short", strings.Repeat("k", 31), strings.Repeat("k", 33)} {
		_, err := encryption.NewSecretCipher([]byte(key))
		assert.ErrorIs(t, err, encryption.ErrInvalidKey)
	}
}

type fakeKMS struct {
	plaintext []byte
	err       error
	input     *kms.DecryptInput
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: f.plaintext, KeyId: aws.String("alias/mfa")}, nil
}

func TestResolveKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("plain key", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Security: config.SecurityConfig{SecretEncryptionKey: testKey}}
		key, err := encryption.ResolveKey(ctx, cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte(testKey), key)
	})

	t.Run("plain key with wrong length", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Security: config.SecurityConfig{SecretEncryptionKey: "nope"}}
		_, err := encryption.ResolveKey(ctx, cfg, nil)
		assert.ErrorIs(t, err, encryption.ErrInvalidKey)
	})

	t.Run("kms unwrap", func(t *testing.T) {
		t.Parallel()
		blob := []byte("wrapped-key-blob")
		cfg := &config.Config{KMS: config.KMSConfig{
			Enabled:            true,
			KeyID:              "alias/mfa",
			EncryptedCipherKey: base64.StdEncoding.EncodeToString(blob),
		}}
		fake := &fakeKMS{plaintext: []byte(testKey)}

		key, err := encryption.ResolveKey(ctx, cfg, fake)
		require.NoError(t, err)
		assert.Equal(t, []byte(testKey), key)
		assert.Equal(t, blob, fake.input.CiphertextBlob)
		assert.Equal(t, "alias/mfa", aws.ToString(fake.input.KeyId))
	})

	t.Run("kms returns wrong size", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{KMS: config.KMSConfig{Enabled: true, EncryptedCipherKey: base64.StdEncoding.EncodeToString([]byte("x"))}}
		_, err := encryption.ResolveKey(ctx, cfg, &fakeKMS{plaintext: []byte("short")})
		assert.ErrorIs(t, err, encryption.ErrInvalidKey)
	})

	t.Run("kms failure", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{KMS: config.KMSConfig{Enabled: true, EncryptedCipherKey: base64.StdEncoding.EncodeToString([]byte("x"))}}
		_, err := encryption.ResolveKey(ctx, cfg, &fakeKMS{err: errors.New("access denied")})
		assert.Error(t, err)
	})
}
