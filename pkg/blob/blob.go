package blob

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// Type tells a notification sink what kind of blob was created.
type Type int

// TypeSimple is a blob stored whole in a single put.
const TypeSimple Type = 0

func (t Type) String() string {
	if t == TypeSimple {
		return "simple"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Properties describe a stored blob. Size always reflects the stored payload,
// whatever the caller declared.
type Properties struct {
	Size         int64
	ServiceID    string
	OwnerID      string
	ContentType  string
	Private      bool
	TTLSeconds   int64 // 0 means the blob never expires
	CreationTime time.Time
}

// Blob is an immutable stored record. Accessors hand out copies.
type Blob struct {
	id       string
	props    Properties
	metadata []byte
	data     []byte
}

// New builds a record over data, overwriting props.Size with len(data). data
// and metadata are retained, so callers must not modify them afterwards.
func New(id string, props Properties, metadata, data []byte) *Blob {
	props.Size = int64(len(data))
	return &Blob{id: id, props: props, metadata: metadata, data: data}
}

func (b *Blob) ID() string             { return b.id }
func (b *Blob) Properties() Properties { return b.props }
func (b *Blob) Size() int64            { return int64(len(b.data)) }

// UserMetadata returns a copy of the opaque user metadata.
func (b *Blob) UserMetadata() []byte {
	if b.metadata == nil {
		return nil
	}
	return append([]byte(nil), b.metadata...)
}

// Data returns a copy of the full payload.
func (b *Blob) Data() []byte {
	return append([]byte(nil), b.data...)
}

// Slice returns a copy of the payload restricted to r. A nil range yields the
// full payload; an unsatisfiable range returns the resolution error.
func (b *Blob) Slice(r *Range) ([]byte, error) {
	if r == nil {
		return b.Data(), nil
	}
	resolved, err := r.Resolve(int64(len(b.data)))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b.data[resolved.Start:resolved.End+1]...), nil
}

// Info is the non-data projection of a blob.
type Info struct {
	Properties   Properties
	UserMetadata []byte
}

// Info returns the properties and a copy of the metadata.
func (b *Blob) Info() *Info {
	return &Info{Properties: b.props, UserMetadata: b.UserMetadata()}
}

// GetOption controls whether soft-deleted blobs are visible to a read.
type GetOption int

const (
	GetOptionNone GetOption = iota
	GetOptionIncludeDeleted
	GetOptionIncludeAll
)

// AllowsDeleted reports whether the option permits reading deleted blobs.
func (o GetOption) AllowsDeleted() bool {
	return o == GetOptionIncludeDeleted || o == GetOptionIncludeAll
}

// Operation selects the projection returned by a read.
type Operation int

const (
	OperationData Operation = iota
	OperationInfo
	OperationAll
)

func (o Operation) String() string {
	switch o {
	case OperationInfo:
		return "info"
	case OperationAll:
		return "all"
	default:
		return "data"
	}
}

// GetOptions parameterise a read.
type GetOptions struct {
	Option    GetOption
	Operation Operation
	Range     *Range
}

// GetResult carries the requested projection. Data is set for OperationData and
// OperationAll, Info for OperationInfo and OperationAll.
type GetResult struct {
	Info     *Info
	Data     io.ReadCloser
	DataSize int64
}

// NewDataReader wraps payload bytes for a GetResult.
func NewDataReader(p []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(p))
}
