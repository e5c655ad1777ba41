package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where FileStore keeps tokens when no path is configured
const DefaultPath = "./dfx-credentials.yaml"

// fileUser is the per-email section of a license
type fileUser struct {
	UserToken string `yaml:"user_token,omitempty"`
}

// fileLicense holds the device token of a license next to its user sections
type fileLicense struct {
	DeviceToken string              `yaml:"device_token,omitempty"`
	Users       map[string]fileUser `yaml:",inline"`
}

// fileData is server -> license key -> tokens
type fileData map[string]map[string]*fileLicense

// FileStore persists tokens in a YAML document
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path. The file is created on the
// first Put.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultPath
	}
	return &FileStore{path: path}
}

// Path returns the backing file
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() (fileData, error) {
	data := make(fileData)

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if data == nil {
		data = make(fileData)
	}
	return data, nil
}

func (s *FileStore) save(data fileData) error {
	prune(data)

	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create credentials directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// prune removes empty tokens and the sections left empty by them
func prune(data fileData) {
	for server, licenses := range data {
		for key, lic := range licenses {
			if lic == nil {
				delete(licenses, key)
				continue
			}
			for email, u := range lic.Users {
				if email == "" || u.UserToken == "" {
					delete(lic.Users, email)
				}
			}
			if key == "" || (lic.DeviceToken == "" && len(lic.Users) == 0) {
				delete(licenses, key)
			}
		}
		if server == "" || len(licenses) == 0 {
			delete(data, server)
		}
	}
}

// Get returns the cached tokens or ErrNotFound when neither is cached
func (s *FileStore) Get(ctx context.Context, key Key) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return Entry{}, err
	}

	lic := data[key.Server][key.LicenseKey]
	if lic == nil {
		return Entry{}, ErrNotFound
	}
	entry := Entry{
		DeviceToken: lic.DeviceToken,
		UserToken:   lic.Users[key.UserEmail].UserToken,
	}
	if entry == (Entry{}) {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put merges entry into the file. An empty UserToken removes the cached
// user token.
func (s *FileStore) Put(ctx context.Context, key Key, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}

	licenses := data[key.Server]
	if licenses == nil {
		licenses = make(map[string]*fileLicense)
		data[key.Server] = licenses
	}
	lic := licenses[key.LicenseKey]
	if lic == nil {
		lic = &fileLicense{}
		licenses[key.LicenseKey] = lic
	}
	if lic.Users == nil {
		lic.Users = make(map[string]fileUser)
	}

	if entry.DeviceToken != "" {
		lic.DeviceToken = entry.DeviceToken
	}
	lic.Users[key.UserEmail] = fileUser{UserToken: entry.UserToken}

	return s.save(data)
}

// Clear removes the backing file
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	return nil
}
