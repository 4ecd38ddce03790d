package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jacktea/blobrouter/pkg/blob"
	"github.com/jacktea/blobrouter/pkg/xerrors"
)

// Registry maps blob ids to records and tracks which ids are deleted. Deleted
// records stay in the record map so relaxed reads can still reach them.
//
// Both collections are sync.Maps, so lookups do not contend with inserts.
type Registry struct {
	blobs   sync.Map // string -> *blob.Blob
	deleted sync.Map // string -> struct{}

	blobCount    atomic.Int64
	deletedCount atomic.Int64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Insert stores b iff its id is absent. A present id yields DuplicateIdentifier
// and leaves the existing record untouched.
func (r *Registry) Insert(b *blob.Blob) error {
	if _, loaded := r.blobs.LoadOrStore(b.ID(), b); loaded {
		return xerrors.E(xerrors.DuplicateIdentifier, "Insert", b.ID())
	}
	r.blobCount.Add(1)
	return nil
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id string) (*blob.Blob, bool) {
	v, ok := r.blobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*blob.Blob), true
}

// Contains reports whether a record exists for id, deleted or not.
func (r *Registry) Contains(id string) bool {
	_, ok := r.blobs.Load(id)
	return ok
}

// MarkDeleted records id as deleted and reports whether this call created the
// marker. Deletion is permanent.
func (r *Registry) MarkDeleted(id string) bool {
	if _, loaded := r.deleted.LoadOrStore(id, struct{}{}); loaded {
		return false
	}
	r.deletedCount.Add(1)
	return true
}

// IsDeleted reports whether id carries a deletion marker.
func (r *Registry) IsDeleted(id string) bool {
	_, ok := r.deleted.Load(id)
	return ok
}

// Len is the number of stored records, deleted ones included.
func (r *Registry) Len() int { return int(r.blobCount.Load()) }

// DeletedLen is the number of deletion markers.
func (r *Registry) DeletedLen() int { return int(r.deletedCount.Load()) }

// Blobs returns a point-in-time copy of the record map.
func (r *Registry) Blobs() map[string]*blob.Blob {
	out := make(map[string]*blob.Blob, r.Len())
	r.blobs.Range(func(k, v any) bool {
		out[k.(string)] = v.(*blob.Blob)
		return true
	})
	return out
}

// Deleted returns the deleted ids in ascending order.
func (r *Registry) Deleted() []string {
	out := make([]string, 0, r.DeletedLen())
	r.deleted.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}
