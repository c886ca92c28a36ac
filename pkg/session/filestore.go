package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps the credential pair as JSON in <dir>/<namespace>.json.
type FileStore struct {
	path string
}

func NewFileStore(dir, namespace string) (*FileStore, error) {
	if namespace == "" || strings.ContainsAny(namespace, `/\`) || namespace == "." || namespace == ".." {
		return nil, fmt.Errorf("invalid credential namespace %q", namespace)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, namespace+".json")}, nil
}

// Path of the credential file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (Credentials, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrCorruptCredentials, err)
	}
	return creds, nil
}

// Save replaces the file atomically.
func (s *FileStore) Save(_ context.Context, creds Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create credential file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}
