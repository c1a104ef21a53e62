package image

import (
	"errors"
	"fmt"
)

// Kind classifies failures reported by the manager.
type Kind int

const (
	KindInvalidLocator Kind = iota + 1
	KindVerificationFailure
	KindRegistryPullFailure
	KindLayerPullFailure
	KindExtractionFailure
	KindNotFound
	KindStoreError
	KindIntegrityViolation
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrInvalidLocator      = errors.New("invalid image locator")
	ErrVerificationFailure = errors.New("image signature verification failed")
	ErrRegistryPull        = errors.New("failed to pull image manifest and config")
	ErrLayerPull           = errors.New("failed to pull bytecode layer")
	ErrExtraction          = errors.New("failed to extract bytecode from image")
	ErrNotFound            = errors.New("bytecode image not found")
	ErrStore               = errors.New("image store error")
	// ErrIntegrityViolation means a cached layer no longer matches the digest
	// recorded in its manifest. The payload must not be used.
	ErrIntegrityViolation = errors.New("bytecode integrity violation")

	// ErrManagerStopped is returned to callers whose command cannot be
	// served because the manager has shut down.
	ErrManagerStopped = errors.New("image manager stopped")
)

var kindSentinels = map[Kind]error{
	KindInvalidLocator:      ErrInvalidLocator,
	KindVerificationFailure: ErrVerificationFailure,
	KindRegistryPullFailure: ErrRegistryPull,
	KindLayerPullFailure:    ErrLayerPull,
	KindExtractionFailure:   ErrExtraction,
	KindNotFound:            ErrNotFound,
	KindStoreError:          ErrStore,
	KindIntegrityViolation:  ErrIntegrityViolation,
}

func (k Kind) String() string {
	switch k {
	case KindInvalidLocator:
		return "InvalidLocator"
	case KindVerificationFailure:
		return "VerificationFailure"
	case KindRegistryPullFailure:
		return "RegistryPullFailure"
	case KindLayerPullFailure:
		return "LayerPullFailure"
	case KindExtractionFailure:
		return "ExtractionFailure"
	case KindNotFound:
		return "NotFound"
	case KindStoreError:
		return "StoreError"
	case KindIntegrityViolation:
		return "IntegrityViolation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type returned for every failed command.
type Error struct {
	Kind Kind
	// Op is the step that failed, e.g. "pull manifest" or "read layer".
	Op string
	// Ref is the locator or cache key prefix being processed.
	Ref string
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if e.Ref != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Ref)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Op)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind Kind, op, ref string, err error) *Error {
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
