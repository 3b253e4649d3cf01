package serialport

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrWriteFailed reports a short write to the port.
var ErrWriteFailed = errors.New("failed to write to serial port")

// Commander sends newline-terminated text commands and reads one reply line
// per command.
type Commander struct {
	mu     sync.Mutex
	port   Porter
	reader *bufio.Reader
}

// NewCommander wraps an open port.
func NewCommander(port Porter) *Commander {
	return &Commander{port: port, reader: bufio.NewReader(port)}
}

// Send writes command, appending a newline if missing.
func (c *Commander) Send(command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(command)
}

func (c *Commander) send(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := c.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Query writes command and returns the first non-empty reply line with its
// terminator trimmed. It blocks until the device answers.
func (c *Commander) Query(command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(command); err != nil {
		return "", fmt.Errorf("sending %q: %w", strings.TrimSpace(command), err)
	}
	for {
		line, err := c.reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			return line, nil
		}
		if err != nil {
			return "", fmt.Errorf("reading reply to %q: %w", strings.TrimSpace(command), err)
		}
	}
}

// Close closes the underlying port.
func (c *Commander) Close() error {
	return c.port.Close()
}
