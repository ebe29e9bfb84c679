package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// vaultProvider wraps keys with the transit engine and reads secrets from KV v2.
type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context, s Settings) (*vaultProvider, error) {
	conf := vault.DefaultConfig()
	conf.Address = s.VaultAddr
	conf.Timeout = 5 * time.Second
	client, err := vault.NewClient(conf)
	if err != nil {
		return nil, err
	}
	switch {
	case s.VaultTokenFile != "":
		raw, err := os.ReadFile(s.VaultTokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read vault token file")
		}
		client.SetToken(strings.TrimSpace(string(raw)))
	case s.VaultToken != "":
		client.SetToken(s.VaultToken)
	}
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(hctx); err != nil {
		return nil, errors.Wrap(err, "vault health")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  s.VaultMountPath,
		keyID:      s.VaultKeyID,
		secretPath: s.VaultSecretPath,
	}, nil
}

func (v *vaultProvider) Name() string { return "vault" }

func (v *vaultProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(aad) > 0 {
		data["associated_data"] = base64.StdEncoding.EncodeToString(aad)
	}
	sec, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID), data)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, errors.New("vault: empty encrypt response")
	}
	ct, ok := sec.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext missing")
	}
	return []byte(ct), nil
}

func (v *vaultProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if len(aad) > 0 {
		data["associated_data"] = base64.StdEncoding.EncodeToString(aad)
	}
	sec, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID), data)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	if sec == nil {
		return nil, ErrDecryptionFailed
	}
	pt, ok := sec.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext missing")
	}
	return base64.StdEncoding.DecodeString(pt)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	sec, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if sec == nil || sec.Data == nil {
		return "", errors.Errorf("vault: secret %s not found", key)
	}
	data, ok := sec.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: unexpected secret layout")
	}
	val, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value missing")
	}
	return val, nil
}
