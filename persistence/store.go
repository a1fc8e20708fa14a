// Package persistence implements the on-vehicle blob store: three named
// artifact blobs (decoder manifest, collection scheme list, state
// template list) plus per-payload blobs the Sender Worker retries on
// reconnect. The rest of the agent reaches persistence only through
// the narrow Store get/put/erase interface; this package is the
// concrete SQLite-backed implementation for a standalone build.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Named blob keys for the three artifacts the Policy Manager persists
// across restarts.
const (
	KeyDecoderManifest      = "decoder-manifest"
	KeyCollectionSchemeList = "collection-scheme-list"
	KeyStateTemplateList    = "state-template-list"
)

const payloadKeyPrefix = "payload-"

// Store is the blob get/put/erase interface the Policy Manager and
// Sender Worker are written against.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Erase(ctx context.Context, key string) error
	// PutPayload persists an undelivered outbound payload under a
	// fresh key and returns it, so the Sender Worker can retry it on
	// the next reconnect.
	PutPayload(ctx context.Context, data []byte, metadata string) (string, error)
	// PendingPayloads lists all payload blobs not yet erased, oldest
	// first.
	PendingPayloads(ctx context.Context) ([]PendingPayload, error)
}

// PendingPayload is one undelivered payload blob awaiting resend.
type PendingPayload struct {
	Key       string
	Data      []byte
	Metadata  string
	CreatedAt time.Time
}

// blobRow is the GORM model backing every blob, named or payload.
type blobRow struct {
	Key       string `gorm:"primaryKey"`
	Data      []byte
	Metadata  string
	CreatedAt time.Time
}

func (blobRow) TableName() string { return "blobs" }

// SQLiteStore is the default Store, grounded on the alert spooler's
// GORM/SQLite persistence pattern.
type SQLiteStore struct {
	db *gorm.DB
}

// Open opens (creating if necessary) a SQLite-backed Store at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&blobRow{}); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row blobRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.Data, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte) error {
	row := blobRow{Key: key, Data: data, CreatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteStore) Erase(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&blobRow{}).Error
}

func (s *SQLiteStore) PutPayload(ctx context.Context, data []byte, metadata string) (string, error) {
	key := payloadKeyPrefix + uuid.NewString()
	row := blobRow{Key: key, Data: data, Metadata: metadata, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return key, nil
}

func (s *SQLiteStore) PendingPayloads(ctx context.Context) ([]PendingPayload, error) {
	var rows []blobRow
	if err := s.db.WithContext(ctx).
		Where("key LIKE ?", payloadKeyPrefix+"%").
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PendingPayload, len(rows))
	for i, r := range rows {
		out[i] = PendingPayload{Key: r.Key, Data: r.Data, Metadata: r.Metadata, CreatedAt: r.CreatedAt}
	}
	return out, nil
}
