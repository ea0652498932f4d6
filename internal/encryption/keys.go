package encryption

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"mfa-service/internal/config"
	"mfa-service/internal/util"
)

// KMSDecrypter is the subset of the KMS client used to unwrap the cipher key.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// NewKMSClient loads the default AWS credential chain for the configured region.
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// ResolveKey returns the 32-byte secret encryption key. With KMS enabled and
// a ciphertext blob configured, the key is unwrapped through KMS; otherwise
// the plain SECRET_ENCRYPTION_KEY value is used as ASCII bytes.
func ResolveKey(ctx context.Context, cfg *config.Config, kmsClient KMSDecrypter) ([]byte, error) {
	if !cfg.KMS.Enabled || cfg.KMS.EncryptedCipherKey == "" {
		key := []byte(cfg.Security.SecretEncryptionKey)
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
		}
		return key, nil
	}

	if kmsClient == nil {
		return nil, fmt.Errorf("%w: kms enabled without a client", ErrInvalidKey)
	}

	blob, err := base64.StdEncoding.DecodeString(cfg.KMS.EncryptedCipherKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted key is not base64", ErrInvalidKey)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if cfg.KMS.KeyID != "" {
		input.KeyId = aws.String(cfg.KMS.KeyID)
	}

	out, err := kmsClient.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cipher key with kms: %w", err)
	}
	if len(out.Plaintext) != KeySize {
		return nil, fmt.Errorf("%w: kms returned %d bytes", ErrInvalidKey, len(out.Plaintext))
	}

	util.Info("Secret encryption key unwrapped with KMS",
		zap.String("key_id", aws.ToString(out.KeyId)))

	return out.Plaintext, nil
}
