package kms

import (
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
)

type awsProvider struct {
	kms   *kms.Client
	sm    *secretsmanager.Client
	keyID string
}

func newAWSProvider(ctx context.Context, s Settings) (*awsProvider, error) {
	conf, err := config.LoadDefaultConfig(ctx, config.WithRegion(s.AWSRegion))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return &awsProvider{
		kms:   kms.NewFromConfig(conf),
		sm:    secretsmanager.NewFromConfig(conf),
		keyID: s.AWSKeyID,
	}, nil
}

func (a *awsProvider) Name() string { return "aws-kms" }

// awsContext carries aad as KMS encryption context, which KMS binds as AAD.
func awsContext(aad []byte) map[string]string {
	if len(aad) == 0 {
		return nil
	}
	return map[string]string{"runbin": base64.StdEncoding.EncodeToString(aad)}
}

func (a *awsProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	out, err := a.kms.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return out.CiphertextBlob, nil
}

func (a *awsProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	out, err := a.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		KeyId:             &a.keyID,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	return out.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	out, err := a.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", key)
	}
	if out.SecretString == nil {
		return "", errors.New("secret is binary")
	}
	return *out.SecretString, nil
}
