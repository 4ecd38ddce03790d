package clustermap

import (
	"context"
	"math/rand/v2"
	"strconv"

	"github.com/jacktea/blobrouter/pkg/xerrors"
)

// Partition is an opaque storage location chosen at write time.
type Partition struct {
	ID uint64
}

// String renders the partition id.
func (p Partition) String() string {
	return strconv.FormatUint(p.ID, 10)
}

// Lister exposes the partitions currently accepting writes.
type Lister interface {
	WritablePartitions(ctx context.Context) ([]Partition, error)
}

// Static is a fixed Lister.
type Static []Partition

// WritablePartitions returns a copy of the static list.
func (s Static) WritablePartitions(context.Context) ([]Partition, error) {
	return append([]Partition(nil), s...), nil
}

// NewStatic returns n partitions numbered from 0.
func NewStatic(n int) Static {
	out := make(Static, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Partition{ID: uint64(i)})
	}
	return out
}

// Selector picks a writable partition uniformly at random.
type Selector struct {
	lister Lister
	intn   func(int) int
}

// NewSelector wraps lister. A nil intn uses math/rand/v2.
func NewSelector(lister Lister, intn func(int) int) *Selector {
	if intn == nil {
		intn = rand.IntN
	}
	return &Selector{lister: lister, intn: intn}
}

// Choose returns one writable partition or a NoWritablePartitions error.
func (s *Selector) Choose(ctx context.Context) (Partition, error) {
	if s == nil || s.lister == nil {
		return Partition{}, xerrors.E(xerrors.NoWritablePartitions, "Choose", "")
	}
	partitions, err := s.lister.WritablePartitions(ctx)
	if err != nil {
		return Partition{}, xerrors.Wrap(xerrors.NoWritablePartitions, "Choose", "", err)
	}
	if len(partitions) == 0 {
		return Partition{}, xerrors.E(xerrors.NoWritablePartitions, "Choose", "")
	}
	return partitions[s.intn(len(partitions))], nil
}
