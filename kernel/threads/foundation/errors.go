package foundation

import (
	"errors"
	"fmt"
)

// ErrorKind tags a dispatch failure so the coordinator can pick a recovery path
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindRejected: refused before the module ran (unknown, not OK, missing consent flag)
	KindRejected
	// KindPermission: consent or token check failed
	KindPermission
	// KindResource: memory pressure
	KindResource
	// KindGeneric: any other module failure
	KindGeneric
	// KindHalted: system halted
	KindHalted
)

var kindNames = map[ErrorKind]string{
	KindNone:       "none",
	KindRejected:   "rejected",
	KindPermission: "permission",
	KindResource:   "resource",
	KindGeneric:    "generic",
	KindHalted:     "halted",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var (
	ErrHalted           = errors.New("system halted")
	ErrQuarantined      = errors.New("module quarantined")
	ErrUnknownModule    = errors.New("unknown module")
	ErrModuleNotOK      = errors.New("module not OK")
	ErrMemoryPressure   = errors.New("memory pressure")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConsentRequired  = errors.New("io tasks must declare needs_consent")
)

// KernelError is a classified failure
type KernelError struct {
	Kind   ErrorKind
	Op     string
	Module string
	Err    error
}

func (e *KernelError) Error() string {
	msg := e.Op
	if e.Module != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Module)
	}
	if e.Err == nil {
		return msg
	}
	if msg == "" {
		return e.Err.Error()
	}
	return msg + ": " + e.Err.Error()
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

// NewKernelError builds a classified error
func NewKernelError(kind ErrorKind, op, module string, err error) *KernelError {
	return &KernelError{Kind: kind, Op: op, Module: module, Err: err}
}

// PermissionError wraps err (or ErrPermissionDenied) as a permission failure
func PermissionError(op, module, reason string) error {
	return &KernelError{Kind: KindPermission, Op: op, Module: module, Err: fmt.Errorf("%w: %s", ErrPermissionDenied, reason)}
}

// ResourceError wraps err as a memory-pressure failure
func ResourceError(op, module string, err error) error {
	return &KernelError{Kind: KindResource, Op: op, Module: module, Err: err}
}

// KindOf classifies err. Sentinels are recognised even when not wrapped in a
// KernelError; anything else is generic.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, ErrHalted):
		return KindHalted
	case errors.Is(err, ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, ErrMemoryPressure):
		return KindResource
	case errors.Is(err, ErrQuarantined), errors.Is(err, ErrUnknownModule),
		errors.Is(err, ErrModuleNotOK), errors.Is(err, ErrConsentRequired):
		return KindRejected
	}
	return KindGeneric
}
