package serialport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/timeutil"
)

// ErrStalled is returned by LineReader.Next when no line arrived in time.
var ErrStalled = errors.New("serial link stalled")

// LineReader scans newline-terminated lines on a background goroutine so the
// caller can wait for them with a timeout. Closing the underlying port ends
// the goroutine.
type LineReader struct {
	clock timeutil.Clock
	lines chan []byte
	errc  chan error
	done  chan struct{}
}

// NewLineReader starts reading r. Stall timeouts run on clock, or on the
// wall clock when clock is nil.
func NewLineReader(r io.Reader, clock timeutil.Clock) *LineReader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &LineReader{
		clock: clock,
		lines: make(chan []byte),
		errc:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	go l.scan(r)
	return l
}

func (l *LineReader) scan(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case l.lines <- line:
			case <-l.done:
				return
			}
		}
		if err != nil {
			l.errc <- err
			return
		}
	}
}

// Next returns the next raw line including its terminator. It returns
// ErrStalled if timeout elapses first, the read error once the port fails,
// or ctx.Err().
func (l *LineReader) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t := l.clock.NewTimer(timeout)
	defer t.Stop()
	select {
	case line := <-l.lines:
		return line, nil
	case err := <-l.errc:
		l.errc <- err
		return nil, err
	case <-t.C():
		return nil, ErrStalled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop releases the scanning goroutine once its pending Read returns.
func (l *LineReader) Stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
