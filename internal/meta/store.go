// Package meta keeps a local bbolt snapshot of tag metadata and schemas so
// metadata backed adapters can start when their backend is unreachable.
package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gftdcojp/conditions-db/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNoSnapshot is returned when nothing was saved for a source.
var ErrNoSnapshot = errors.New("no metadata snapshot")

// Store persists metadata snapshots keyed by source, e.g. "db:host/dbname"
// or an HTTP endpoint URL.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, source string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, source string) error
	Sources(ctx context.Context) ([]string, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a snapshot file.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSources); err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		if version := bytesToUint64(v); version > currentSchemaVersion {
			return fmt.Errorf("snapshot schema version %d is newer than supported version %d", version, currentSchemaVersion)
		}
		return nil
	})
}

func encodeTag(t *types.Tag) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTag(data []byte) (*types.Tag, error) {
	var t types.Tag
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveSnapshot replaces everything stored for snap.Source.
func (s *BoltStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	if snap.Source == "" {
		return fmt.Errorf("snapshot source is empty")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sources := tx.Bucket(bucketSources)
		name := sourceBucketName(snap.Source)
		if sources.Bucket(name) != nil {
			if err := sources.DeleteBucket(name); err != nil {
				return err
			}
		}
		sb, err := sources.CreateBucket(name)
		if err != nil {
			return err
		}
		if err := sb.Put(keySavedAt, int64ToBytes(snap.SavedAt.UnixNano())); err != nil {
			return err
		}

		tags, err := sb.CreateBucket(subBucketTags)
		if err != nil {
			return err
		}
		for i := range snap.Tags {
			data, err := encodeTag(&snap.Tags[i])
			if err != nil {
				return err
			}
			if err := tags.Put([]byte(snap.Tags[i].ID), data); err != nil {
				return err
			}
		}

		schemas, err := sb.CreateBucket(subBucketSchemas)
		if err != nil {
			return err
		}
		for path, doc := range snap.Schemas {
			if err := schemas.Put([]byte(path), []byte(doc)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", snap.Source, err)
	}
	s.logger.Debug("metadata snapshot saved",
		zap.String("source", snap.Source),
		zap.Int("tags", len(snap.Tags)),
		zap.Int("schemas", len(snap.Schemas)),
	)
	return nil
}

// LoadSnapshot returns the snapshot saved for source, or ErrNoSnapshot.
func (s *BoltStore) LoadSnapshot(_ context.Context, source string) (*Snapshot, error) {
	snap := &Snapshot{Source: source, Schemas: make(map[string]string)}
	err := s.db.View(func(tx *bbolt.Tx) error {
		sb := s.getSourceBucket(tx, source)
		if sb == nil {
			return ErrNoSnapshot
		}
		if v := sb.Get(keySavedAt); v != nil {
			snap.SavedAt = time.Unix(0, bytesToInt64(v))
		}
		if tags := sb.Bucket(subBucketTags); tags != nil {
			if err := tags.ForEach(func(k, v []byte) error {
				t, err := decodeTag(v)
				if err != nil {
					return fmt.Errorf("decoding tag %s: %w", k, err)
				}
				snap.Tags = append(snap.Tags, *t)
				return nil
			}); err != nil {
				return err
			}
		}
		if schemas := sb.Bucket(subBucketSchemas); schemas != nil {
			return schemas.ForEach(func(k, v []byte) error {
				snap.Schemas[string(k)] = string(v)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStore) DeleteSnapshot(_ context.Context, source string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sources := tx.Bucket(bucketSources)
		if sources.Bucket(sourceBucketName(source)) == nil {
			return nil
		}
		return sources.DeleteBucket(sourceBucketName(source))
	})
}

// Sources lists every source with a saved snapshot, sorted.
func (s *BoltStore) Sources(_ context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSources).ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) getSourceBucket(tx *bbolt.Tx, source string) *bbolt.Bucket {
	sources := tx.Bucket(bucketSources)
	if sources == nil {
		return nil
	}
	return sources.Bucket(sourceBucketName(source))
}
