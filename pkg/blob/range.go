package blob

import (
	"fmt"

	"github.com/jacktea/blobrouter/pkg/xerrors"
)

// RangeKind distinguishes the supported byte-range shapes.
type RangeKind int

const (
	RangeOffset     RangeKind = iota // inclusive [Start, End]
	RangeFromOffset                  // [Start, end of blob]
	RangeLastN                       // last N bytes
)

// Range is an unresolved byte range. Build it with OffsetRange, FromOffset or
// LastN.
type Range struct {
	Kind  RangeKind
	Start int64
	End   int64
	N     int64
}

// ResolvedRange is an inclusive range valid for a specific blob length.
type ResolvedRange struct {
	Start int64
	End   int64
}

// Len is the number of bytes covered.
func (r ResolvedRange) Len() int64 { return r.End - r.Start + 1 }

// OffsetRange covers [start, end] inclusive.
func OffsetRange(start, end int64) (*Range, error) {
	return build(Range{Kind: RangeOffset, Start: start, End: end})
}

// FromOffset covers everything from start.
func FromOffset(start int64) (*Range, error) {
	return build(Range{Kind: RangeFromOffset, Start: start})
}

// LastN covers the final n bytes.
func LastN(n int64) (*Range, error) {
	return build(Range{Kind: RangeLastN, N: n})
}

func build(r Range) (*Range, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Resolve fixes the range against a blob of the given length. Failures carry
// the RangeNotSatisfiable code, including for ranges built without the
// constructors that carry invalid fields.
func (r *Range) Resolve(length int64) (ResolvedRange, error) {
	if err := r.validate(); err != nil {
		return ResolvedRange{}, xerrors.Wrap(xerrors.RangeNotSatisfiable, "Resolve", "", err)
	}
	switch r.Kind {
	case RangeOffset, RangeFromOffset:
		if r.Start >= length {
			return ResolvedRange{}, xerrors.Wrap(xerrors.RangeNotSatisfiable, "Resolve", "",
				fmt.Errorf("start offset %d beyond blob length %d", r.Start, length))
		}
		end := length - 1
		if r.Kind == RangeOffset && r.End < end {
			end = r.End
		}
		return ResolvedRange{Start: r.Start, End: end}, nil
	case RangeLastN:
		if length == 0 {
			return ResolvedRange{}, xerrors.Wrap(xerrors.RangeNotSatisfiable, "Resolve", "",
				fmt.Errorf("last %d bytes of empty blob", r.N))
		}
		return ResolvedRange{Start: max(length-r.N, 0), End: length - 1}, nil
	default:
		return ResolvedRange{}, xerrors.Wrap(xerrors.RangeNotSatisfiable, "Resolve", "",
			fmt.Errorf("unknown range kind %d", r.Kind))
	}
}

func (r *Range) validate() error {
	switch r.Kind {
	case RangeOffset:
		if r.Start < 0 || r.End < r.Start {
			return fmt.Errorf("invalid offset range [%d, %d]", r.Start, r.End)
		}
	case RangeFromOffset:
		if r.Start < 0 {
			return fmt.Errorf("invalid start offset %d", r.Start)
		}
	case RangeLastN:
		if r.N <= 0 {
			return fmt.Errorf("invalid last-n-bytes count %d", r.N)
		}
	}
	return nil
}

func (r *Range) String() string {
	switch r.Kind {
	case RangeFromOffset:
		return fmt.Sprintf("bytes=%d-", r.Start)
	case RangeLastN:
		return fmt.Sprintf("bytes=-%d", r.N)
	default:
		return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	}
}
