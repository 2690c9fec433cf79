// Package credentials reads and writes the OAuth token file. The on-disk
// format follows the gh CLI hosts.json convention: a JSON object keyed by
// host, pretty-printed with sorted keys.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quotabar/quotabar/internal/errors"
)

const githubHost = "github.com"

// Store persists the GitHub OAuth token at a fixed path.
type Store struct {
	Path string
}

type hostEntry struct {
	OAuthToken string `json:"oauth_token"`
}

// NewStore creates a store for the given hosts.json path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Token returns the stored OAuth token. A missing file and a file without a
// usable token are distinct, both auth-classified, failures.
func (s *Store) Token() (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.New(errors.KindCredentialFileMissing, "read_credentials", err)
		}
		return "", errors.New(errors.KindNoCredential, "read_credentials", err)
	}

	var hosts map[string]hostEntry
	if err := json.Unmarshal(data, &hosts); err != nil {
		return "", errors.New(errors.KindNoCredential, "read_credentials", err)
	}

	entry, ok := hosts[githubHost]
	if !ok || entry.OAuthToken == "" {
		return "", errors.New(errors.KindNoCredential, "read_credentials", nil)
	}

	return entry.OAuthToken, nil
}

// SaveToken writes the token, creating parent directories as needed and
// preserving entries for unrelated hosts as well as unrelated keys inside
// the github.com entry. The write is an atomic replace: temp file in the
// same directory, then rename.
func (s *Store) SaveToken(token string) error {
	hosts := map[string]map[string]any{}
	if data, err := os.ReadFile(s.Path); err == nil {
		// A corrupt file is replaced rather than surfaced; sign-in must
		// be able to recover from it.
		_ = json.Unmarshal(data, &hosts)
	}
	entry := hosts[githubHost]
	if entry == nil {
		entry = map[string]any{}
	}
	entry["oauth_token"] = token
	hosts[githubHost] = entry

	out, err := json.MarshalIndent(hosts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	out = append(out, '\n')

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".hosts-*.json")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}

	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
