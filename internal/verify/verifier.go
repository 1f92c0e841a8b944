package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// MinisignVerifier verifies files signed with Minisign using a trusted public key.
type MinisignVerifier struct {
	publicKey minisign.PublicKey
}

// NewMinisignVerifier parses a Minisign public key. Both the two-line key
// file (comment header plus key) and the bare base64 key line are accepted.
func NewMinisignVerifier(pubKey string) (*MinisignVerifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	var (
		publicKey minisign.PublicKey
		err       error
	)
	if strings.Contains(pubKey, "\n") {
		publicKey, err = minisign.DecodePublicKey(pubKey)
	} else {
		publicKey, err = minisign.NewPublicKey(pubKey)
	}
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &MinisignVerifier{publicKey: publicKey}, nil
}

// LoadMinisignVerifier reads the public key from path, or treats key as the
// key itself when no such file exists.
func LoadMinisignVerifier(key string) (*MinisignVerifier, error) {
	if data, err := os.ReadFile(key); err == nil {
		return NewMinisignVerifier(string(data))
	}
	return NewMinisignVerifier(key)
}

// Verify reads the file and detached signature from disk and validates the signature.
func (v *MinisignVerifier) Verify(ctx context.Context, path, signaturePath string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("file path is required")
	}
	if strings.TrimSpace(signaturePath) == "" {
		return errors.New("signature path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}
	return v.VerifyFile(ctx, data, signaturePath)
}

// VerifyFile validates data already read into memory against the detached
// signature at signaturePath, so callers parse exactly the bytes that were checked.
func (v *MinisignVerifier) VerifyFile(ctx context.Context, data []byte, signaturePath string) error {
	if v == nil {
		return errors.New("signature verifier not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	signatureBytes, err := os.ReadFile(signaturePath)
	if err != nil {
		return fmt.Errorf("read signature %q: %w", signaturePath, err)
	}
	signature, err := minisign.DecodeSignature(string(signatureBytes))
	if err != nil {
		return fmt.Errorf("decode signature %q: %w", signaturePath, err)
	}
	ok, err := v.publicKey.Verify(data, signature)
	if err != nil {
		return fmt.Errorf("verify signature %q: %w", signaturePath, err)
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}

// TrustedComment returns the trusted comment of a signature file without the
// "trusted comment: " prefix.
func TrustedComment(signaturePath string) (string, error) {
	signatureBytes, err := os.ReadFile(signaturePath)
	if err != nil {
		return "", fmt.Errorf("read signature %q: %w", signaturePath, err)
	}
	signature, err := minisign.DecodeSignature(string(signatureBytes))
	if err != nil {
		return "", fmt.Errorf("decode signature %q: %w", signaturePath, err)
	}
	return strings.TrimPrefix(signature.TrustedComment, "trusted comment: "), nil
}
