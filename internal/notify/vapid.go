package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type vapidKeysFile struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// loadVAPIDKeys reads a persisted keypair, returning os.ErrNotExist if
// none has been generated yet.
func loadVAPIDKeys(path string) (publicKey, privateKey string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	var file vapidKeysFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", "", fmt.Errorf("notify: parse vapid keys: %w", err)
	}
	pub := strings.TrimSpace(file.PublicKey)
	priv := strings.TrimSpace(file.PrivateKey)
	if pub == "" || priv == "" {
		return "", "", fmt.Errorf("notify: vapid keys file is missing required keys")
	}
	return pub, priv, nil
}

// generateVAPIDKeys creates a new keypair and persists it.
func generateVAPIDKeys(path string) (publicKey, privateKey string, err error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("notify: generate vapid keypair: %w", err)
	}

	file := vapidKeysFile{PublicKey: pub, PrivateKey: priv, CreatedAt: time.Now().UTC()}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("notify: marshal vapid keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", "", fmt.Errorf("notify: mkdir vapid dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return "", "", fmt.Errorf("notify: write vapid keys: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", "", fmt.Errorf("notify: rename vapid keys: %w", err)
	}
	return pub, priv, nil
}
