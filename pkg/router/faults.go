package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jacktea/blobrouter/pkg/xerrors"
)

// FaultMode names a failure the router injects before doing any real work.
type FaultMode int

const (
	FaultNone FaultMode = iota
	// FaultPanicEarly panics with ErrInjectedEarly before a handle is created.
	FaultPanicEarly
	// FaultInternalError resolves the handle with an UnexpectedInternalError.
	FaultInternalError
	// FaultRouterError resolves the handle with FaultConfig.Code.
	FaultRouterError
)

var faultModeNames = map[FaultMode]string{
	FaultNone:          "none",
	FaultPanicEarly:    "panic-early",
	FaultInternalError: "internal-error",
	FaultRouterError:   "router-error",
}

func (m FaultMode) String() string {
	if name, ok := faultModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("FaultMode(%d)", int(m))
}

// ParseFaultMode maps a mode name to its FaultMode. The empty string is
// FaultNone.
func ParseFaultMode(s string) (FaultMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FaultNone, nil
	}
	for mode, name := range faultModeNames {
		if name == s {
			return mode, nil
		}
	}
	return FaultNone, fmt.Errorf("unknown fault mode %q", s)
}

// FaultConfig enables one injected fault for every subsequent operation.
type FaultConfig struct {
	Mode FaultMode
	Code xerrors.Code // used by FaultRouterError
}

var (
	ErrInjectedEarly  = errors.New("injected early fault")
	ErrInjectedLate   = errors.New("injected internal fault")
	ErrInjectedRouter = errors.New("injected router fault")
)

// injected returns the error an operation must resolve with, or nil. It panics
// for FaultPanicEarly.
func (fc FaultConfig) injected(op string) error {
	switch fc.Mode {
	case FaultPanicEarly:
		panic(ErrInjectedEarly)
	case FaultInternalError:
		return xerrors.Wrap(xerrors.UnexpectedInternalError, op, "", ErrInjectedLate)
	case FaultRouterError:
		return xerrors.Wrap(fc.Code, op, "", ErrInjectedRouter)
	default:
		return nil
	}
}
