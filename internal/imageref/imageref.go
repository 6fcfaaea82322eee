// Package imageref parses Docker image references and resolves registry
// credentials against them.
package imageref

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// Ref is a parsed image reference split into the parts the orchestrator
// cares about: which registry it comes from, and the fully-qualified name to
// pass to the Docker daemon for pull/create operations.
type Ref struct {
	Registry   string
	Repository string
	Tag        string
	Qualified  string
}

// Parse splits an image reference (e.g. "myregistry.example.com/app:1.2" or
// "redis:7") into its registry, repository and tag components using
// go-containerregistry's reference grammar, which is the same grammar the
// Docker daemon itself accepts.
func Parse(image string) (Ref, error) {
	tag, err := name.NewTag(image, name.WeakValidation)
	if err == nil {
		return Ref{
			Registry:   tag.RegistryStr(),
			Repository: tag.RepositoryStr(),
			Tag:        tag.TagStr(),
			Qualified:  tag.Name(),
		}, nil
	}
	dig, err := name.NewDigest(image, name.WeakValidation)
	if err != nil {
		return Ref{}, fmt.Errorf("parse image reference %q: %w", image, err)
	}
	return Ref{
		Registry:   dig.RegistryStr(),
		Repository: dig.RepositoryStr(),
		Tag:        dig.DigestStr(),
		Qualified:  dig.Name(),
	}, nil
}

// DecryptSecret recovers a registry password from its base64 AES-GCM
// ciphertext (nonce first), deriving an AES-256 key from the passphrase and
// salt with PBKDF2.
func DecryptSecret(passphrase, salt string, ciphertextB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), 100000, 32, sha3.New256)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}
