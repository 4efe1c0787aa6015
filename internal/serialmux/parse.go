package serialmux

import "strings"

// Ack is the classification of a line received from the stepper controller.
type Ack int

const (
	// AckNone is any line that neither confirms nor rejects a command
	// (boot banners, echo, debug output).
	AckNone Ack = iota
	AckOK
	AckErr
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "ok"
	case AckErr:
		return "err"
	default:
		return "none"
	}
}

// ClassifyLine inspects a controller line. Matching is case-sensitive and OK
// wins when a line carries both tokens.
func ClassifyLine(line string) Ack {
	if strings.Contains(line, "OK") {
		return AckOK
	}
	if strings.Contains(line, "ERR") {
		return AckErr
	}
	return AckNone
}
