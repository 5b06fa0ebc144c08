package credentials

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
)

const keystoreService = "persons-desktop"

// account keys tokens by API host so several backends can coexist
func account(baseURL string) string {
	return "api-token:" + strings.TrimRight(baseURL, "/")
}

// LoadToken returns the API token stored for baseURL, or "" when none is stored
func LoadToken(baseURL string) (string, error) {
	token, err := keyring.Get(keystoreService, account(baseURL))
	if err == nil {
		return token, nil
	}
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}

	// On Linux without a secret service this fails; run unauthenticated
	log.Warnf("Keystore unavailable, continuing without stored token: %v", err)
	return "", nil
}

// SaveToken stores the API token for baseURL in the OS keychain
func SaveToken(baseURL, token string) error {
	if token == "" {
		return errors.New("token is empty")
	}
	if err := keyring.Set(keystoreService, account(baseURL), token); err != nil {
		return fmt.Errorf("failed to store token in keychain: %w", err)
	}
	return nil
}

// DeleteToken removes the stored token. Deleting a missing token is not an error.
func DeleteToken(baseURL string) error {
	err := keyring.Delete(keystoreService, account(baseURL))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete token from keychain: %w", err)
	}
	return nil
}

// HasToken checks if a token exists in the keychain for baseURL
func HasToken(baseURL string) bool {
	_, err := keyring.Get(keystoreService, account(baseURL))
	return err == nil
}
