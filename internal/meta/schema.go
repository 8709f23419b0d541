package meta

import (
	"encoding/binary"
	"time"

	"github.com/gftdcojp/conditions-db/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketSources    = []byte("sources")
	keySchemaVersion = []byte("schema_version")
	keySavedAt       = []byte("saved_at")
	subBucketTags    = []byte("tags")
	subBucketSchemas = []byte("schemas")
)

const currentSchemaVersion = 1

// Snapshot is everything saved for one metadata source.
type Snapshot struct {
	Source  string
	SavedAt time.Time
	Tags    []types.Tag
	// Schemas maps struct paths to their JSON schema documents.
	Schemas map[string]string
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func sourceBucketName(source string) []byte {
	return []byte(source)
}
