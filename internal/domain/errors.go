package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport failure (DNS, TCP/TLS, read, write).
type NetworkError struct {
	Op        string // Operation that failed (e.g., "resolve", "dial", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// AuthError is returned when the server rejects the credential or the
// handshake times out before the feed starts. The controller keeps retrying
// with the same credential, so these are retriable but surfaced in health.
type AuthError struct {
	Status int // HTTP status if the rejection came from a handshake or authorize call
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth rejected (status %d): %v", e.Status, e.Err)
	}
	return "auth rejected: " + e.Err.Error()
}

func (e *AuthError) IsRetriable() bool {
	return true
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// DecodeError is a malformed frame. The frame is dropped and the connection
// continues.
type DecodeError struct {
	Reason string
	Size   int
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %d-byte frame: %s", e.Size, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SubscriptionError is a batch the server rejected.
type SubscriptionError struct {
	BatchID string
	Keys    int
	Reason  string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription batch %s (%d keys) rejected: %s", e.BatchID, e.Keys, e.Reason)
}

func (e *SubscriptionError) IsRetriable() bool {
	return true
}

// ConsumerError wraps a failure inside one registered tick consumer.
type ConsumerError struct {
	Consumer string
	Key      InstrumentKey
	TickTime time.Time
	Err      error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consumer %s failed on %s@%s: %v",
		e.Consumer, e.Key, e.TickTime.Format(time.RFC3339Nano), e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrNotConnected is returned by the writer when no socket is open.
	ErrNotConnected = errors.New("not connected")

	// ErrStopped is returned after the controller reached STOPPED.
	ErrStopped = errors.New("controller stopped")

	// ErrAuthTimeout is returned when the server does not start the feed in time.
	ErrAuthTimeout = errors.New("auth handshake timed out")

	// ErrHeartbeatMissed is returned when no frame arrived within the heartbeat window.
	ErrHeartbeatMissed = errors.New("heartbeat missed")

	// ErrEmptyUniverse is returned when subscribing with no instruments.
	ErrEmptyUniverse = errors.New("instrument universe is empty")

	// ErrQueueFull is returned when a consumer queue cannot take a tick.
	ErrQueueFull = errors.New("consumer queue full")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
