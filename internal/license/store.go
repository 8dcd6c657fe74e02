package license

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kdyw/my-tv/internal/config"
	"github.com/kdyw/my-tv/internal/security"
)

// CredentialStore persists the last server-validated license code. Get
// returns "" when nothing is stored. Implementations are safe for
// concurrent use and never expose a partially written value.
type CredentialStore interface {
	Get() (string, error)
	Put(code string) error
	Clear() error
	Close() error
}

// credentialRecord is the persisted form shared by every backend.
type credentialRecord struct {
	AuthCode string    `json:"auth_code" cbor:"1,keyasint"`
	SavedAt  time.Time `json:"saved_at" cbor:"2,keyasint"`
}

// sealSalt namespaces at-rest sealing keys to this store.
var sealSalt = []byte("my-tv/credential-store/v1")

// NewStore opens the configured backend under cfg.Dir. deviceID keys the
// optional at-rest sealing of the file backend.
func NewStore(cfg config.StoreConfig, deviceID string, logger *slog.Logger) (CredentialStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "credential_store"), slog.String("backend", cfg.Backend))

	switch cfg.Backend {
	case config.StoreBackendMemory:
		return NewMemoryStore(), nil

	case config.StoreBackendBolt:
		if err := config.EnsureDir(cfg.Dir); err != nil {
			return nil, err
		}
		return OpenBoltStore(filepath.Join(cfg.Dir, config.CredentialDBName), logger)

	case config.StoreBackendFile, "":
		if err := config.EnsureDir(cfg.Dir); err != nil {
			return nil, err
		}
		var sealer *security.Sealer
		if cfg.Seal {
			s, err := security.NewSealer([]byte(deviceID), sealSalt, nil)
			if err != nil {
				return nil, fmt.Errorf("create credential sealer: %w", err)
			}
			sealer = s
		}
		return NewFileStore(filepath.Join(cfg.Dir, config.CredentialFileName), sealer, logger), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
