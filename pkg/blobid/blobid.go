// Package blobid encodes and decodes router blob identifiers.
//
// An identifier packs the identity defaults and the chosen partition together
// with a random UUID, then renders the bytes as unpadded URL-safe base64.
package blobid

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/jacktea/blobrouter/pkg/clustermap"
)

const (
	Version uint16 = 1

	DefaultFlag         uint8 = 0
	UnknownDatacenterID int8  = -1
	UnknownAccountID    int16 = -1
	UnknownContainerID  int16 = -1

	encodedLen = 2 + 1 + 1 + 2 + 2 + 8 + 16
)

var encoding = base64.RawURLEncoding

// ID is the decoded form of a blob identifier.
type ID struct {
	Version      uint16
	Flag         uint8
	DatacenterID int8
	AccountID    int16
	ContainerID  int16
	Partition    clustermap.Partition
	UUID         uuid.UUID
}

// New returns an identifier in partition p using the fixed identity defaults.
func New(p clustermap.Partition) ID {
	return NewWithUUID(p, uuid.New())
}

// NewWithUUID is New with a caller-provided UUID.
func NewWithUUID(p clustermap.Partition, u uuid.UUID) ID {
	return ID{
		Version:      Version,
		Flag:         DefaultFlag,
		DatacenterID: UnknownDatacenterID,
		AccountID:    UnknownAccountID,
		ContainerID:  UnknownContainerID,
		Partition:    p,
		UUID:         u,
	}
}

// String encodes the identifier.
func (id ID) String() string {
	buf := make([]byte, encodedLen)
	binary.BigEndian.PutUint16(buf[0:2], id.Version)
	buf[2] = id.Flag
	buf[3] = byte(id.DatacenterID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(id.AccountID))
	binary.BigEndian.PutUint16(buf[6:8], uint16(id.ContainerID))
	binary.BigEndian.PutUint64(buf[8:16], id.Partition.ID)
	copy(buf[16:], id.UUID[:])
	return encoding.EncodeToString(buf)
}

// Parse decodes an identifier produced by String.
func Parse(s string) (ID, error) {
	buf, err := encoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("blobid: decode %q: %w", s, err)
	}
	if len(buf) != encodedLen {
		return ID{}, fmt.Errorf("blobid: %q has %d bytes, want %d", s, len(buf), encodedLen)
	}
	id := ID{
		Version:      binary.BigEndian.Uint16(buf[0:2]),
		Flag:         buf[2],
		DatacenterID: int8(buf[3]),
		AccountID:    int16(binary.BigEndian.Uint16(buf[4:6])),
		ContainerID:  int16(binary.BigEndian.Uint16(buf[6:8])),
		Partition:    clustermap.Partition{ID: binary.BigEndian.Uint64(buf[8:16])},
	}
	if id.Version != Version {
		return ID{}, fmt.Errorf("blobid: unsupported version %d", id.Version)
	}
	copy(id.UUID[:], buf[16:])
	return id, nil
}
