package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wa-notifier/internal/apperr"
)

// Credentials are a tenant's decrypted provider credentials. They live for one send.
type Credentials struct {
	PhoneNumberID string `json:"phone_number_id"`
	AccessToken   string `json:"access_token"`
	APIVersion    string `json:"api_version,omitempty"`
	Environment   string `json:"environment,omitempty"`
}

// Validate checks the fields needed for a send.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.PhoneNumberID) == "" {
		return apperr.Validation("phone_number_id is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return apperr.Validation("access_token is required")
	}
	return nil
}

// Store returns credentials for a tenant, nil when the tenant has none.
type Store interface {
	GetDecryptedCredentials(ctx context.Context, tenantID string) (*Credentials, error)
}

// MappingWriter receives phone-number-id routing updates.
type MappingWriter interface {
	UpsertPhoneTenantMapping(ctx context.Context, phoneNumberID, tenantID string, now time.Time) error
}

type fileContents struct {
	Tenants map[string]Credentials `json:"tenants"`
}

// FileStore reads credentials from a JSON file on every call so rotated
// credentials apply to the next send.
type FileStore struct {
	path     string
	mappings MappingWriter
	logger   *slog.Logger

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore constructs a FileStore.
func NewFileStore(path string, mappings MappingWriter, logger *slog.Logger) *FileStore {
	return &FileStore{
		path:     path,
		mappings: mappings,
		logger:   logger.With("component", "credentials"),
	}
}

func (s *FileStore) GetDecryptedCredentials(_ context.Context, tenantID string) (*Credentials, error) {
	contents, err := s.read()
	if err != nil {
		return nil, err
	}
	creds, ok := contents.Tenants[tenantID]
	if !ok {
		return nil, nil
	}
	return &creds, nil
}

// Save stores a tenant's credentials and routes its phone number id to it.
func (s *FileStore) Save(ctx context.Context, tenantID string, creds Credentials) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.Validation("tenant id is required")
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.read()
	if err != nil {
		return err
	}
	contents.Tenants[tenantID] = creds
	if err := s.write(contents); err != nil {
		return err
	}

	if s.mappings != nil {
		if err := s.mappings.UpsertPhoneTenantMapping(ctx, creds.PhoneNumberID, tenantID, time.Now()); err != nil {
			return fmt.Errorf("upsert mapping for tenant %s: %w", tenantID, err)
		}
	}
	s.logger.Info("credentials saved", "tenant_id", tenantID, "phone_number_id", creds.PhoneNumberID)
	return nil
}

// SyncMappings upserts the routing entry of every stored tenant.
func (s *FileStore) SyncMappings(ctx context.Context) (int, error) {
	if s.mappings == nil {
		return 0, nil
	}
	contents, err := s.read()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	n := 0
	for tenantID, creds := range contents.Tenants {
		if creds.PhoneNumberID == "" {
			s.logger.Warn("tenant without phone number id", "tenant_id", tenantID)
			continue
		}
		if err := s.mappings.UpsertPhoneTenantMapping(ctx, creds.PhoneNumberID, tenantID, now); err != nil {
			return n, fmt.Errorf("sync mapping for tenant %s: %w", tenantID, err)
		}
		n++
	}
	return n, nil
}

func (s *FileStore) read() (*fileContents, error) {
	contents := &fileContents{Tenants: map[string]Credentials{}}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return contents, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	if len(raw) == 0 {
		return contents, nil
	}
	if err := json.Unmarshal(raw, contents); err != nil {
		return nil, fmt.Errorf("decode credentials file: %w", err)
	}
	if contents.Tenants == nil {
		contents.Tenants = map[string]Credentials{}
	}
	return contents, nil
}

func (s *FileStore) write(contents *fileContents) error {
	raw, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials file: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
