// Package crypto encrypts connector token material at rest. Refresh tokens
// are long-lived credentials and never touch the database in the clear.
package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Encryptor seals and opens token material.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSEncryptor implements Encryptor with an AWS KMS key.
type KMSEncryptor struct {
	client *kms.Client
	keyID  string
}

// NewKMSEncryptor creates a KMSEncryptor. keyID may be a key id, ARN or alias
// (e.g. "alias/pockett-connector-tokens").
func NewKMSEncryptor(client *kms.Client, keyID string) *KMSEncryptor {
	return &KMSEncryptor{client: client, keyID: keyID}
}

// Encrypt seals the plaintext and returns base64 ciphertext.
func (e *KMSEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	out, err := e.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(e.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token material: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt opens base64 ciphertext produced by Encrypt.
func (e *KMSEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	out, err := e.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(e.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token material: %w", err)
	}
	return string(out.Plaintext), nil
}

// PlainEncryptor is a development stand-in that only tags values, so tests can
// assert what was "encrypted" without KMS.
type PlainEncryptor struct{}

func NewPlainEncryptor() *PlainEncryptor {
	return &PlainEncryptor{}
}

const plainPrefix = "plain:"

func (PlainEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	return plainPrefix + plaintext, nil
}

func (PlainEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, plainPrefix), nil
}
