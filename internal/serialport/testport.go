package serialport

import (
	"bytes"
	"errors"
	"sync"
)

// ErrPortClosed is returned by TestablePort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestablePort is an in-memory Porter for tests. Reads block until data is
// added or the port is closed, like a real port without read timeout.
type TestablePort struct {
	mu       sync.Mutex
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	readCond *sync.Cond

	// ReadError is returned once by the next Read.
	ReadError error
	// WriteError is returned once by the next Write.
	WriteError error
	// OnWrite, when set, is called with every write and may queue a reply
	// with AddReadData.
	OnWrite func(p []byte)

	closed bool
}

// NewTestablePort returns an open TestablePort.
func NewTestablePort() *TestablePort {
	p := &TestablePort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 && p.ReadError == nil {
		p.readCond.Wait()
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	if p.closed {
		return 0, ErrPortClosed
	}
	return p.readBuf.Read(b)
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		p.mu.Unlock()
		return 0, err
	}
	n, _ := p.writeBuf.Write(b)
	hook := p.OnWrite
	p.mu.Unlock()
	if hook != nil {
		hook(append([]byte(nil), b...))
	}
	return n, nil
}

// Close marks the port closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// Closed reports whether Close was called.
func (p *TestablePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// AddReadData queues data for subsequent reads.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// FailReads makes the next Read return err.
func (p *TestablePort) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.readCond.Broadcast()
}

// Written returns everything written so far.
func (p *TestablePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}
