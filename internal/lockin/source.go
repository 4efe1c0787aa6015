// Package lockin provides the signal sources sampled at each scan point: a
// line-oriented lock-in amplifier on a serial port, or an offline
// substitute producing shaped synthetic data.
package lockin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/energyscan/internal/serialmux"
	"github.com/banshee-data/energyscan/internal/timeutil"
)

// Sample is one reading: two signal components and the reference magnitude
// used to normalise them.
type Sample struct {
	A         float64 `json:"a"`
	B         float64 `json:"b"`
	Reference float64 `json:"reference"`
}

// Source is a signal acquisition device.
type Source interface {
	// ApplyParameters forwards pre-encoded instrument commands.
	ApplyParameters(cmds ...string) error
	// ReadSample blocks until the device returns one sample.
	ReadSample(ctx context.Context) (Sample, error)
	// Describe names the device for logs and status output.
	Describe() string
	Close() error
}

// Kinds of source selectable at startup.
const (
	KindSerial  = "serial"
	KindOffline = "offline"
)

var (
	ErrUnknownKind = errors.New("lockin: unknown source kind")
	ErrReadTimeout = errors.New("lockin: no reply before timeout")
	ErrNoPort      = errors.New("lockin: serial source needs a port")
)

// Options select and configure a source.
type Options struct {
	Kind        string
	Port        string
	PortOptions serialmux.PortOptions
	Query       string        // sample query, "?ODT" when empty
	Init        []string      // sent once after opening
	ReadTimeout time.Duration // 5s when zero
	Clock       timeutil.Clock
	Opener      serialmux.Opener
}

// New builds the source named by opts.Kind.
func New(ctx context.Context, opts Options) (Source, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	switch opts.Kind {
	case KindOffline:
		return NewOffline(opts.Clock), nil
	case KindSerial, "":
		if opts.Port == "" {
			return nil, ErrNoPort
		}
		open := opts.Opener
		if open == nil {
			open = serialmux.OpenSerialMux
		}
		mux, err := open(opts.Port, opts.PortOptions)
		if err != nil {
			return nil, fmt.Errorf("lockin: open %s: %w", opts.Port, err)
		}
		s, err := NewSerial(ctx, mux, opts)
		if err != nil {
			mux.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
}
