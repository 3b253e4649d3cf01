package sim

import (
	"io"
	"sync"
	"time"
)

// targetLink is the simulated USB console of the target.
type targetLink struct {
	board *Board
	r     *io.PipeReader
	w     *io.PipeWriter

	mu      sync.Mutex
	stalled bool
	once    sync.Once
	done    chan struct{}
}

func newTargetLink(b *Board, interval time.Duration) *targetLink {
	r, w := io.Pipe()
	l := &targetLink{board: b, r: r, w: w, done: make(chan struct{})}
	go l.run(interval)
	return l
}

func (l *targetLink) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		stalled := l.stalled
		l.mu.Unlock()
		if stalled {
			continue
		}
		if _, err := io.WriteString(l.w, l.board.nextLine()); err != nil {
			return
		}
	}
}

func (l *targetLink) stall() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stalled = true
}

func (l *targetLink) Read(p []byte) (int, error) { return l.r.Read(p) }

// Write discards input; the demo firmware reads nothing.
func (l *targetLink) Write(p []byte) (int, error) { return len(p), nil }

func (l *targetLink) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.w.CloseWithError(io.EOF)
		l.r.Close()
	})
	return nil
}
