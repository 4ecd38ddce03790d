package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/blobrouter/pkg/blob"
	"github.com/jacktea/blobrouter/pkg/registry"
)

// FormatVersion is written into every snapshot; Open refuses other versions.
const FormatVersion = 1

var (
	bucketMeta    = []byte("meta")
	bucketBlobs   = []byte("blobs")
	bucketDeleted = []byte("deleted")

	metaVersionKey = []byte("version")
	metaTakenKey   = []byte("taken-at")

	deletedMarker = []byte{1}
)

// ErrVersion is returned for snapshots written by an incompatible format.
var ErrVersion = errors.New("snapshot: unsupported format version")

// Source is anything that can list its records and deletion markers. Both
// *router.Router and *registry.Registry satisfy it.
type Source interface {
	Blobs() map[string]*blob.Blob
	Deleted() []string
}

// Config configures the BoltDB file.
type Config struct {
	Path     string
	NoSync   bool
	ReadOnly bool
	Timeout  time.Duration
}

// Store is an open snapshot file.
type Store struct {
	cfg Config
	db  *bolt.DB
}

// Entry is one persisted record.
type Entry struct {
	ID           string          `json:"id"`
	Properties   blob.Properties `json:"properties"`
	UserMetadata []byte          `json:"user_metadata,omitempty"`
	Data         []byte          `json:"data"`
	Deleted      bool            `json:"-"`
}

// Summary describes a snapshot as a whole.
type Summary struct {
	Version int
	TakenAt time.Time
	Blobs   int
	Deleted int
	Bytes   int64
}

// Open opens or creates the snapshot at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("snapshot: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout:  cfg.Timeout,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", cfg.Path, err)
	}
	s := &Store{cfg: cfg, db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if s.cfg.ReadOnly {
		return s.db.View(func(tx *bolt.Tx) error {
			meta := tx.Bucket(bucketMeta)
			if meta == nil {
				return fmt.Errorf("snapshot: %s: missing meta bucket", s.cfg.Path)
			}
			return checkVersion(meta)
		})
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketBlobs, bucketDeleted} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("snapshot: create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(metaVersionKey) == nil {
			return meta.Put(metaVersionKey, encodeUint64(FormatVersion))
		}
		return checkVersion(meta)
	})
}

func checkVersion(meta *bolt.Bucket) error {
	if v := decodeUint64(meta.Get(metaVersionKey)); v != FormatVersion {
		return fmt.Errorf("%w: %d", ErrVersion, v)
	}
	return nil
}

// Close releases the file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the snapshot contents with the records of src.
func (s *Store) Save(ctx context.Context, src Source) error {
	blobs := src.Blobs()
	deleted := src.Deleted()
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlobs, bucketDeleted} {
			if err := tx.DeleteBucket(bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		bkt := tx.Bucket(bucketBlobs)
		for id, b := range blobs {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := json.Marshal(Entry{
				ID:           id,
				Properties:   b.Properties(),
				UserMetadata: b.UserMetadata(),
				Data:         b.Data(),
			})
			if err != nil {
				return fmt.Errorf("snapshot: encode %s: %w", id, err)
			}
			if err := bkt.Put([]byte(id), data); err != nil {
				return err
			}
		}
		del := tx.Bucket(bucketDeleted)
		for _, id := range deleted {
			if err := del.Put([]byte(id), deletedMarker); err != nil {
				return err
			}
		}
		taken, err := time.Now().UTC().MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(metaTakenKey, taken)
	})
}

// Entries returns every persisted record in id order.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		del := tx.Bucket(bucketDeleted)
		return tx.Bucket(bucketBlobs).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("snapshot: decode %s: %w", k, err)
			}
			e.Deleted = del.Get(k) != nil
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Deleted returns the persisted deletion markers in ascending order.
func (s *Store) Deleted(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeleted).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

// Summary reports counts and the time of the last Save.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{Version: FormatVersion}
	entries, err := s.Entries(ctx)
	if err != nil {
		return sum, err
	}
	for _, e := range entries {
		sum.Blobs++
		sum.Bytes += int64(len(e.Data))
		if e.Deleted {
			sum.Deleted++
		}
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(metaTakenKey)
		if raw == nil {
			return nil
		}
		return sum.TakenAt.UnmarshalBinary(raw)
	})
	return sum, err
}

// Restore builds a registry holding the persisted records and markers.
func (s *Store) Restore(ctx context.Context) (*registry.Registry, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	for _, e := range entries {
		if err := reg.Insert(blob.New(e.ID, e.Properties, e.UserMetadata, e.Data)); err != nil {
			return nil, err
		}
		if e.Deleted {
			reg.MarkDeleted(e.ID)
		}
	}
	return reg, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
