package awsKms

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type kmsDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMSKeySource decrypts a signing key that was encrypted with an AWS KMS key. The
// ciphertext is base64; the plaintext is either the 32 raw key bytes or its hex encoding.
type AWSKMSKeySource struct {
	logger     *zap.Logger
	kmsClient  kmsDecrypter
	ciphertext string
	keyId      string
}

func NewAWSKMSKeySource(awsCfg aws.Config, ciphertext string, keyId string, logger *zap.Logger) *AWSKMSKeySource {
	return newAWSKMSKeySource(kms.NewFromConfig(awsCfg), ciphertext, keyId, logger)
}

func newAWSKMSKeySource(client kmsDecrypter, ciphertext string, keyId string, logger *zap.Logger) *AWSKMSKeySource {
	return &AWSKMSKeySource{
		logger:     logger,
		kmsClient:  client,
		ciphertext: ciphertext,
		keyId:      keyId,
	}
}

func (a *AWSKMSKeySource) PrivateKey(ctx context.Context) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.ciphertext))
	if err != nil {
		return "", errors.Wrap(err, "kms ciphertext is not valid base64")
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if a.keyId != "" {
		input.KeyId = aws.String(a.keyId)
	}
	out, err := a.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return "", errors.Wrapf(err, "failed to decrypt signing key with kms key %s", a.keyId)
	}

	a.logger.Sugar().Infow("Decrypted signing key with KMS",
		zap.String("keyId", aws.ToString(out.KeyId)),
	)

	if len(out.Plaintext) == 32 {
		return hexutil.Encode(out.Plaintext), nil
	}
	key := strings.TrimSpace(string(out.Plaintext))
	if len(strings.TrimPrefix(key, "0x")) != 64 {
		return "", errors.New("decrypted signing key is neither 32 bytes nor 64 hex characters")
	}
	return key, nil
}
