package cryptobox

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadKeyStore reads a hex encoded private key from path.
func LoadKeyStore(path string) (*KeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	defer wipe(raw)
	ks, err := NewKeyStore(raw)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return ks, nil
}

// Save writes the private key to path, hex encoded, readable only by the owner.
func (k *KeyStore) Save(path string) error {
	if k.private == nil {
		return ErrZeroed
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	encoded := hex.EncodeToString(k.private[:]) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// LoadOrGenerate loads the key at path, or generates and saves a new one when
// the file does not exist. generated reports which happened.
func LoadOrGenerate(path string) (ks *KeyStore, generated bool, err error) {
	ks, err = LoadKeyStore(path)
	if err == nil {
		return ks, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	ks, err = GenerateKeyStore()
	if err != nil {
		return nil, false, err
	}
	if err := ks.Save(path); err != nil {
		return nil, false, err
	}
	return ks, true, nil
}
