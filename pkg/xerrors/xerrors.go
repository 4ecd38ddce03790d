package xerrors

import (
	"errors"
)

// Code classifies router errors.
type Code int

const (
	UnexpectedInternalError Code = iota
	RouterClosed
	NoWritablePartitions
	DuplicateIdentifier
	BlobDoesNotExist
	BlobDeleted
	RangeNotSatisfiable
)

var codeNames = map[Code]string{
	UnexpectedInternalError: "UnexpectedInternalError",
	RouterClosed:            "RouterClosed",
	NoWritablePartitions:    "NoWritablePartitions",
	DuplicateIdentifier:     "DuplicateIdentifier",
	BlobDoesNotExist:        "BlobDoesNotExist",
	BlobDeleted:             "BlobDeleted",
	RangeNotSatisfiable:     "RangeNotSatisfiable",
}

// String returns the canonical name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[UnexpectedInternalError]
}

// ParseCode maps a code name back to its Code. Unknown names resolve to
// UnexpectedInternalError and ok=false.
func ParseCode(name string) (Code, bool) {
	for code, n := range codeNames {
		if n == name {
			return code, true
		}
	}
	return UnexpectedInternalError, false
}

// Error wraps an underlying error with the router code and operation context.
type Error struct {
	Code Code
	Op   string
	ID   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Code.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.ID != "" {
		base += " " + e.ID
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a router error carrying the same code, so that
// errors.Is(err, xerrors.E(xerrors.BlobDeleted, "", "")) matches any BlobDeleted.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.ID == "" && t.Err == nil && t.Code == e.Code
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(code Code, op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, ID: id, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(code Code, op, id string) error {
	return &Error{Code: code, Op: op, ID: id}
}

// CodeOf extracts the Code from err, walking wrapped errors as needed. Errors
// that carry no router code are reported as UnexpectedInternalError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnexpectedInternalError
}

// Normalize returns err unchanged when it already carries a router code and
// otherwise wraps it as an UnexpectedInternalError.
func Normalize(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(UnexpectedInternalError, op, id, err)
}
