package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour
// for testing. When its read buffer is empty it behaves like a real
// port with a read timeout: Read waits up to ReadTimeout and returns 0, nil.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// CloseCalls records the number of Close calls
	CloseCalls int

	// ReadCalls records the number of Read calls
	ReadCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// ChunkSize caps the bytes returned per Read to simulate short reads.
	// Zero means no cap.
	ChunkSize int

	// dataCond is signalled when data is added or the port is closed
	dataCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		ReadTimeout: 10 * time.Millisecond,
	}
	tsp.dataCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read returns buffered data, or waits up to ReadTimeout for some to arrive.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadBuffer.Len() == 0 {
		deadline := time.Now().Add(t.ReadTimeout)
		timer := time.AfterFunc(t.ReadTimeout, func() {
			t.mu.Lock()
			t.dataCond.Broadcast()
			t.mu.Unlock()
		})
		defer timer.Stop()

		for !t.Closed && t.ReadBuffer.Len() == 0 && time.Now().Before(deadline) {
			t.dataCond.Wait()
		}
		if t.Closed {
			return 0, ErrPortClosed
		}
		if t.ReadBuffer.Len() == 0 {
			return 0, nil
		}
	}

	if t.ChunkSize > 0 && len(p) > t.ChunkSize {
		p = p[:t.ChunkSize]
	}
	return t.ReadBuffer.Read(p)
}

// Write captures p in the write buffer.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, ErrPortClosed
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes any blocked reader.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.CloseCalls++
	t.dataCond.Broadcast()

	return t.CloseError
}

// SetReadTimeout mirrors serial.Port.SetReadTimeout.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.dataCond.Broadcast()
}

// Pending returns the number of unread bytes.
func (t *TestableSerialPort) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ReadBuffer.Len()
}

// CloseCount returns how many times Close has been called.
func (t *TestableSerialPort) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CloseCalls
}

// MockOpener records Open calls and returns a fixed port or error.
type MockOpener struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// Calls records all Open calls
	Calls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// Open implements Opener.
func (m *MockOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockOpenCall{Path: path, Options: opts})
	if m.Error != nil {
		return nil, m.Error
	}
	return m.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (m *MockOpener) LastCall() *MockOpenCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Calls) == 0 {
		return nil
	}
	return &m.Calls[len(m.Calls)-1]
}
