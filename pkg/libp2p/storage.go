package libp2p

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const identityFileName = "identity.key"

// GenerateIdentity creates a fresh Ed25519 identity.
func GenerateIdentity() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return priv, nil
}

// SaveIdentity writes key to dir with owner-only permissions.
func SaveIdentity(key crypto.PrivKey, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	keyBytes, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, identityFileName), keyBytes, 0600)
}

// LoadIdentity loads the identity stored in dir, generating and saving one
// if none exists yet.
func LoadIdentity(dir string) (crypto.PrivKey, error) {
	keyBytes, err := os.ReadFile(filepath.Join(dir, identityFileName))
	if errors.Is(err, os.ErrNotExist) {
		priv, err := GenerateIdentity()
		if err != nil {
			return nil, err
		}
		if err := SaveIdentity(priv, dir); err != nil {
			return nil, fmt.Errorf("failed to save identity: %w", err)
		}
		return priv, nil
	}
	if err != nil {
		return nil, err
	}
	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt identity file: %w", err)
	}
	return priv, nil
}
