package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ReadFile returns the plaintext content of path. A missing file yields
// (nil, nil). With a secret, encrypted content is decrypted and plaintext
// written before encryption was enabled is passed through unchanged.
func ReadFile(path, secret string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		if IsEncrypted(raw) {
			return nil, ErrAuthFailed
		}
		return raw, nil
	}
	plain, err := Decrypt(secret, raw)
	if errors.Is(err, ErrLegacyData) {
		return raw, nil
	}
	return plain, err
}

// WriteJSON marshals v and writes it to path, encrypting when secret is set.
// The file is replaced via rename.
func WriteJSON(path, secret string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if secret = strings.TrimSpace(secret); secret != "" {
		payload, err = Encrypt(secret, payload)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
