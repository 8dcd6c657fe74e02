package license

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/kdyw/my-tv/internal/config"
	licenseErrors "github.com/kdyw/my-tv/internal/errors"
)

var (
	credentialBucket = []byte(config.CredentialNamespace)
	credentialKey    = []byte(config.CredentialKey)
)

// BoltStore keeps the credential as a CBOR record in a bbolt database.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, licenseErrors.Storage("store.open", fmt.Errorf("open %s: %w", path, err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, licenseErrors.Storage("store.open", err)
	}

	return &BoltStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *BoltStore) Get() (string, error) {
	var rec credentialRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credentialBucket).Get(credentialKey)
		if v == nil {
			return nil
		}
		return cbor.Unmarshal(v, &rec)
	})
	if err != nil {
		return "", licenseErrors.Storage("store.get", err)
	}
	return rec.AuthCode, nil
}

func (s *BoltStore) Put(code string) error {
	data, err := cbor.Marshal(credentialRecord{AuthCode: code, SavedAt: s.now().UTC()})
	if err != nil {
		return licenseErrors.Storage("store.put", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialBucket).Put(credentialKey, data)
	})
	if err != nil {
		return licenseErrors.Storage("store.put", err)
	}
	s.logger.Debug("Credential saved")
	return nil
}

func (s *BoltStore) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialBucket).Delete(credentialKey)
	})
	if err != nil {
		return licenseErrors.Storage("store.clear", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return err
	}
	return nil
}
