package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// Entry is one tenant's record in the credential file.
type Entry struct {
	Type  string `json:"type"`            // "api" or "env"
	Key   string `json:"key,omitempty"`   // type=api: the secret itself, may be a $ENV reference
	Env   string `json:"env,omitempty"`   // type=env: name of the variable holding the secret
	Label string `json:"label,omitempty"` // display name, not used for auth
}

// FileStore reads tenant credentials from a JSON file keyed by reference:
//
//	{"acme": {"type": "api", "key": "pk_..."}, "globex": {"type": "env", "env": "GLOBEX_KEY"}}
type FileStore struct {
	path    string
	entries map[string]*Entry
	mu      sync.RWMutex
}

// NewFileStore loads the credential file. A missing file yields an empty store.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file from disk.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.entries = make(map[string]*Entry)
			s.mu.Unlock()
			slog.Warn("credential file not found, starting empty", "path", s.path)
			return nil
		}
		return fmt.Errorf("read credentials %s: %w", s.path, err)
	}

	entries := make(map[string]*Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse credentials %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Resolve implements Store.
func (s *FileStore) Resolve(_ context.Context, ref string) (Credential, error) {
	s.mu.RLock()
	entry := s.entries[ref]
	s.mu.RUnlock()
	if entry == nil {
		return Credential{}, missing(ref, s.path)
	}

	var secret string
	switch entry.Type {
	case "api", "":
		secret = entry.Key
		if len(secret) > 1 && secret[0] == '$' {
			secret = os.Getenv(secret[1:])
		}
	case "env":
		secret = os.Getenv(entry.Env)
	default:
		return Credential{}, fmt.Errorf("unknown credential type %q for %q", entry.Type, ref)
	}

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Credential{}, fmt.Errorf("%w: %q has an empty secret", ErrCredentialMissing, ref)
	}
	return Credential{Ref: ref, Secret: secret}, nil
}

// Refs returns every reference in the file, sorted.
func (s *FileStore) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]string, 0, len(s.entries))
	for ref := range s.entries {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
