package actuator

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeviceNotFound      = errors.New("actuator: no serial device found")
	ErrSafetyLimitExceeded = errors.New("actuator: target outside safe window")
	ErrProtocol            = errors.New("actuator: protocol error")
	ErrNotConnected        = errors.New("actuator: not connected")
	ErrAlreadyConnected    = errors.New("actuator: already connected")
)

// SafetyLimitError is returned when a move target lies outside the
// configured window. Nothing is sent to the device.
type SafetyLimitError struct {
	Target   int
	Min, Max int
}

func (e *SafetyLimitError) Error() string {
	return fmt.Sprintf("actuator: target %d outside safe window [%d, %d]", e.Target, e.Min, e.Max)
}

func (e *SafetyLimitError) Unwrap() error { return ErrSafetyLimitExceeded }

// ProtocolKind distinguishes how a command failed.
type ProtocolKind int

const (
	// DeviceReported means the controller answered with ERR.
	DeviceReported ProtocolKind = iota
	// AckTimeout means no answer arrived before the deadline.
	AckTimeout
	// ChannelFailed means the command could not be written or the line
	// channel closed underneath the command.
	ChannelFailed
)

func (k ProtocolKind) String() string {
	switch k {
	case DeviceReported:
		return "device reported failure"
	case AckTimeout:
		return "acknowledgement timeout"
	case ChannelFailed:
		return "channel failure"
	default:
		return fmt.Sprintf("ProtocolKind(%d)", int(k))
	}
}

// ProtocolError reports a failed command. The confirmed position is unchanged.
// From and To are only set for moves.
type ProtocolError struct {
	Kind     ProtocolKind
	Command  string
	From, To int
	Deadline time.Duration
	Line     string // device reply, for DeviceReported
	Err      error  // underlying I/O error, for ChannelFailed
}

func (e *ProtocolError) Error() string {
	what := e.Command
	if e.From != e.To {
		what = fmt.Sprintf("%s -> %d", e.Command, e.To)
	}
	switch e.Kind {
	case DeviceReported:
		return fmt.Sprintf("actuator: %s: device reported %q", what, e.Line)
	case AckTimeout:
		return fmt.Sprintf("actuator: %s: no acknowledgement within %s", what, e.Deadline)
	default:
		return fmt.Sprintf("actuator: %s: %v", what, e.Err)
	}
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocol, e.Err}
	}
	return []error{ErrProtocol}
}
