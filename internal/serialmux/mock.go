package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrPortClosed is returned by the test ports once Close has been called.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// Reads block until data is queued or the port is closed, which is how a
// real serial port behaves under Monitor.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuffer  *bytes.Buffer
	writeBuffer *bytes.Buffer
	lines       []string

	// Responder, when set, is called with every complete line written to the
	// port; the returned lines are queued for reading.
	Responder func(line string) []string

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	closed     bool
	flushes    int
	readCond   *sync.Cond
	partialOut string
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		readBuffer:  bytes.NewBuffer(nil),
		writeBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is available or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.closed && t.readBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.readBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return t.readBuffer.Read(p)
}

// Write records p, splitting it into lines for Responder and WrittenLines.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	t.writeBuffer.Write(p)
	t.partialOut += string(p)
	for {
		i := strings.IndexByte(t.partialOut, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(t.partialOut[:i], "\r")
		t.partialOut = t.partialOut[i+1:]
		t.lines = append(t.lines, line)
		if t.Responder != nil {
			for _, reply := range t.Responder(line) {
				t.readBuffer.WriteString(reply + "\n")
			}
			t.readCond.Broadcast()
		}
	}
	return len(p), nil
}

// ResetInputBuffer implements InputFlusher.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	return nil
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues data for subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.readBuffer.Write(data)
	t.readCond.Broadcast()
}

// AddLine queues a newline-terminated line for reading.
func (t *TestableSerialPort) AddLine(line string) {
	t.AddReadData([]byte(line + "\n"))
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.writeBuffer.Bytes()...)
}

// WrittenLines returns every complete line written so far.
func (t *TestableSerialPort) WrittenLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.lines...)
}

// Flushes reports how many times ResetInputBuffer was called.
func (t *TestableSerialPort) Flushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

// Closed reports whether Close was called.
func (t *TestableSerialPort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// FakeOpener returns an Opener that hands out a mux over port and records the
// requested paths.
func FakeOpener(port *TestableSerialPort, opened *[]string) Opener {
	var mu sync.Mutex
	return func(path string, opts PortOptions) (SerialMuxInterface, error) {
		if _, err := opts.Normalise(); err != nil {
			return nil, err
		}
		mu.Lock()
		if opened != nil {
			*opened = append(*opened, path)
		}
		mu.Unlock()
		return NewSerialMux(port), nil
	}
}
