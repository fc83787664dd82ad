package osdk

import (
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "orch"

// normalizeKey turns a base URL into a stable keyring entry name.
func normalizeKey(baseURL string) string {
	s := strings.TrimSpace(baseURL)
	s = strings.TrimRight(s, "/")
	s = strings.ToLower(s)
	return s
}

// SaveToken stores the API token in the OS keyring under the base URL.
func SaveToken(baseURL string, token string) error {
	return keyring.Set(keyringService, normalizeKey(baseURL), token)
}

// LoadToken returns keyring.ErrNotFound when nothing was saved.
func LoadToken(baseURL string) (string, error) {
	return keyring.Get(keyringService, normalizeKey(baseURL))
}

func DeleteToken(baseURL string) error {
	return keyring.Delete(keyringService, normalizeKey(baseURL))
}

// ResolveToken prefers an explicit token (flag or ORCH_TOKEN) and falls
// back to the keyring.
func ResolveToken(cfg *Config) string {
	if cfg.Token != "" {
		return cfg.Token
	}
	tok, err := LoadToken(cfg.BaseURL)
	if err != nil {
		return ""
	}
	return tok
}
