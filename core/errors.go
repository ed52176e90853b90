package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", err) or one of the
// kind constructors below.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("version conflict")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrUnsupportedTask    = errors.New("unsupported_task")
	ErrMalformedEnvelope  = errors.New("malformed_envelope")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrNoAgentAvailable   = errors.New("no active agent for capability")
	ErrAdvisorUnavailable = errors.New("advisor unavailable")
	ErrInvalidAdvice      = errors.New("invalid advisor response")
	ErrInvalidPlan        = errors.New("invalid intervention plan")
	ErrInvalidTelemetry   = errors.New("invalid telemetry")
)

// ErrorKind classifies failures for recovery decisions.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindRegistry  ErrorKind = "registry"
	KindAdvisor   ErrorKind = "advisor"
	KindData      ErrorKind = "data"
	KindExecution ErrorKind = "execution"
	KindContract  ErrorKind = "contract"
)

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// TransportError marks a message that could not be delivered after retries.
func TransportError(op string, err error) error { return newError(KindTransport, op, err) }

// RegistryError marks a missing or stale agent.
func RegistryError(op string, err error) error { return newError(KindRegistry, op, err) }

// AdvisorError marks a failed, timed out or unparseable AI advisor call.
func AdvisorError(op string, err error) error { return newError(KindAdvisor, op, err) }

// DataError marks a missing or malformed journey, choke point or telemetry record.
func DataError(op string, err error) error { return newError(KindData, op, err) }

// ExecutionError marks a failed plan step (journey update, notification).
func ExecutionError(op string, err error) error { return newError(KindExecution, op, err) }

// ContractError marks a malformed plan or message. It is fatal to a cycle.
func ContractError(op string, err error) error { return newError(KindContract, op, err) }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
