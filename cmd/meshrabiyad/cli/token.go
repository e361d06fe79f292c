package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// loadOrCreateToken reads the per-device auth token at path, generating and
// persisting a fresh one on first run (spec.md §6: local_token).
func loadOrCreateToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading local token: %w", err)
	}

	token := uuid.NewString()
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("persisting local token: %w", err)
	}
	return token, nil
}
