package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// VAPIDKeysFileName is the key file kept in the daemon home directory.
const VAPIDKeysFileName = "web_push_vapid_keys.json"

type vapidKeysFile struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	Subject    string    `json:"subject,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EnsurePushVAPIDKeys returns the keypair stored at path, generating and
// persisting one on first use. A changed subject is written back.
func EnsurePushVAPIDKeys(path, subject string) (publicKey, privateKey string, generated bool, err error) {
	subject = strings.TrimSpace(subject)

	file, err := loadVAPIDKeysFile(path)
	switch {
	case err == nil:
		if subject != "" && file.Subject != subject {
			file.Subject = subject
			file.UpdatedAt = time.Now().UTC()
			if err := writeVAPIDKeysFile(path, file); err != nil {
				return "", "", false, err
			}
		}
		return file.PublicKey, file.PrivateKey, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", "", false, err
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	now := time.Now().UTC()
	file = &vapidKeysFile{
		PublicKey:  strings.TrimSpace(publicKey),
		PrivateKey: strings.TrimSpace(privateKey),
		Subject:    subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := writeVAPIDKeysFile(path, file); err != nil {
		return "", "", false, err
	}
	return file.PublicKey, file.PrivateKey, true, nil
}

func loadVAPIDKeysFile(path string) (*vapidKeysFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("read vapid keys file: %w", err)
	}

	var file vapidKeysFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse vapid keys file: %w", err)
	}
	file.PublicKey = strings.TrimSpace(file.PublicKey)
	file.PrivateKey = strings.TrimSpace(file.PrivateKey)
	file.Subject = strings.TrimSpace(file.Subject)
	if file.PublicKey == "" || file.PrivateKey == "" {
		return nil, errors.New("vapid keys file is missing required keys")
	}
	return &file, nil
}

func writeVAPIDKeysFile(path string, file *vapidKeysFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir vapid dir: %w", err)
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vapid keys: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp vapid keys: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename vapid keys file: %w", err)
	}
	return nil
}
