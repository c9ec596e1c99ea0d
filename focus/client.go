// Package focus speaks the line-based command protocol keyboards understand in
// normal (non-bootloader) mode.
//
// A request is a single line "<namespace>.<command> <argument>\n". The reply
// is zero or more lines followed by a line holding a single ".". A reply whose
// first line is "NACK" means the firmware refused the command.
package focus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Conn is the part of a serial connection the client needs.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

const (
	terminator = "."
	nackToken  = "NACK"
)

// Config holds the client configuration.
type Config struct {
	// CommandTimeout bounds one request/response round trip.
	CommandTimeout time.Duration

	// ReadTimeout is how long a single Read may block.
	ReadTimeout time.Duration

	// MaxResponseSize guards against a device that never terminates.
	MaxResponseSize int
}

func defaultConfig() Config {
	return Config{
		CommandTimeout:  5 * time.Second,
		ReadTimeout:     100 * time.Millisecond,
		MaxResponseSize: 64 * 1024,
	}
}

// Option configures a Client.
type Option func(*Config)

// WithCommandTimeout sets the round-trip timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CommandTimeout = d
		}
	}
}

// WithReadTimeout sets the per-read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReadTimeout = d
		}
	}
}

// Client sends commands over one open connection. Requests are serialised.
type Client struct {
	mu      sync.Mutex
	conn    Conn
	config  Config
	pending []byte
	closed  bool
}

// New wraps conn. The client owns conn from now on and closes it in Close.
func New(conn Conn, opts ...Option) *Client {
	if conn == nil {
		panic("focus: conn cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	_ = conn.SetReadTimeout(cfg.ReadTimeout)

	return &Client{conn: conn, config: cfg}
}

// Command sends "<cmd> <args...>" and returns the response payload.
func (c *Client) Command(ctx context.Context, cmd string, args ...string) (string, error) {
	line := strings.TrimSpace(strings.Join(append([]string{cmd}, args...), " "))
	return c.Exchange(ctx, line, nil)
}

// Exchange writes line, then payload verbatim if any, and waits for the
// terminated response.
func (c *Client) Exchange(ctx context.Context, line string, payload []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", &CommandError{Command: line, Err: ErrClosed}
	}

	c.pending = c.pending[:0]
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", &CommandError{Command: line, Err: fmt.Errorf("write: %w", err)}
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return "", &CommandError{Command: line, Err: fmt.Errorf("write payload: %w", err)}
		}
	}

	resp, err := c.readResponse(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoAck) {
			// A late reply would be read as the answer to the next request.
			c.closed = true
			_ = c.conn.Close()
		}
		return "", &CommandError{Command: line, Err: err}
	}
	return resp, nil
}

func (c *Client) readResponse(ctx context.Context) (string, error) {
	deadline := time.Now().Add(c.config.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var lines []string
	buf := make([]byte, 256)
	for {
		for {
			idx := bytes.IndexByte(c.pending, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(string(c.pending[:idx]), "\r")
			c.pending = c.pending[idx+1:]

			if line == terminator {
				if len(lines) > 0 && strings.EqualFold(strings.TrimSpace(lines[0]), nackToken) {
					return "", ErrNoAck
				}
				return strings.TrimSpace(strings.Join(lines, "\n")), nil
			}
			lines = append(lines, line)
		}

		if len(c.pending) > c.config.MaxResponseSize {
			return "", fmt.Errorf("%w: no terminator within %d bytes", ErrMalformedResponse, c.config.MaxResponseSize)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrClosed
			}
			return "", fmt.Errorf("read: %w", err)
		}
	}
}

// Help lists the commands the firmware supports.
func (c *Client) Help(ctx context.Context) ([]string, error) {
	resp, err := c.Command(ctx, "help")
	if err != nil {
		return nil, err
	}
	var cmds []string
	for _, l := range strings.Split(resp, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			cmds = append(cmds, l)
		}
	}
	return cmds, nil
}

// Closed reports whether the client was closed, either by Close or after a
// request left the line in an unknown state.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the underlying connection. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
