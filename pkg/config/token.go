package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kerbaras/avatars/pkg/auth"
)

// TokenFile keeps the session token on disk between runs, readable by the
// owner only.
type TokenFile struct {
	path string
	mu   sync.Mutex
}

var _ auth.TokenSink = (*TokenFile)(nil)

func NewTokenFile(path string) *TokenFile {
	return &TokenFile{path: path}
}

// Load returns the saved token, or nil when none is saved.
func (f *TokenFile) Load() (*auth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var token auth.Token
	if err := yaml.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	if !token.Valid() {
		return nil, nil
	}
	return &token, nil
}

func (f *TokenFile) SaveToken(token auth.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := yaml.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (f *TokenFile) ClearToken() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
