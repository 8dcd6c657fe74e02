package license

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	licenseErrors "github.com/kdyw/my-tv/internal/errors"
	"github.com/kdyw/my-tv/internal/files"
	"github.com/kdyw/my-tv/internal/security"
)

// FileStore keeps the credential in a single JSON file replaced atomically
// on every write. With a sealer the file holds the sealed JSON instead.
type FileStore struct {
	path   string
	sealer *security.Sealer
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewFileStore returns a store backed by path. sealer may be nil.
func NewFileStore(path string, sealer *security.Sealer, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, sealer: sealer, logger: logger, now: time.Now}
}

func (s *FileStore) Get() (string, error) {
	const op = "store.get"
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := files.ReadFileIfExists(s.path)
	if err != nil {
		return "", licenseErrors.Storage(op, err)
	}
	if len(data) == 0 {
		return "", nil
	}

	if s.sealer != nil {
		data, err = s.sealer.Open(data)
		if err != nil {
			return "", licenseErrors.Storage(op, err)
		}
	}

	var rec credentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", licenseErrors.Storage(op, fmt.Errorf("decode credential: %w", err))
	}
	return rec.AuthCode, nil
}

func (s *FileStore) Put(code string) error {
	const op = "store.put"
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(credentialRecord{AuthCode: code, SavedAt: s.now().UTC()})
	if err != nil {
		return licenseErrors.Storage(op, err)
	}
	if s.sealer != nil {
		data, err = s.sealer.Seal(data)
		if err != nil {
			return licenseErrors.Storage(op, err)
		}
	}
	if err := files.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return licenseErrors.Storage(op, err)
	}

	s.logger.Debug("Credential saved", slog.String("path", s.path))
	return nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := files.RemoveIfExists(s.path); err != nil {
		return licenseErrors.Storage("store.clear", err)
	}
	s.logger.Debug("Credential cleared", slog.String("path", s.path))
	return nil
}

func (s *FileStore) Close() error { return nil }
