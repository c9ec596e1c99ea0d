// Package focustest provides an in-memory keyboard that answers focus
// commands, for tests of code that talks to real hardware.
package focustest

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// Silent makes the device swallow a command without answering.
const Silent = "\x00silent"

// Nack makes the device refuse a command.
const Nack = "NACK"

// Handler answers one command. payload is non-nil for commands registered
// with ExpectPayload.
type Handler func(line string, payload []byte) string

// Device implements focus.Conn.
type Device struct {
	mu       sync.Mutex
	handler  Handler
	payloads map[string]bool
	delays   map[string]time.Duration
	lines    []string
	pending  string
	queued   []queuedReply
	out      bytes.Buffer
	closed   bool

	// WriteErr, when set, is returned by every Write.
	WriteErr error
}

type queuedReply struct {
	at   time.Time
	data string
}

// New returns a device answering with h.
func New(h Handler) *Device {
	return &Device{handler: h, payloads: make(map[string]bool), delays: make(map[string]time.Duration)}
}

// Replies returns a device answering from a fixed table keyed by the full
// command line. Unknown commands get an empty reply.
func Replies(table map[string]string) *Device {
	return New(func(line string, _ []byte) string {
		return table[line]
	})
}

// ExpectPayload marks cmd as followed by one raw binary write.
func (d *Device) ExpectPayload(cmd string) *Device {
	d.mu.Lock()
	d.payloads[cmd] = true
	d.mu.Unlock()
	return d
}

// Delay holds back the reply to cmd for d. Replies still go out in the
// order the commands came in.
func (d *Device) Delay(cmd string, delay time.Duration) *Device {
	d.mu.Lock()
	d.delays[cmd] = delay
	d.mu.Unlock()
	return d
}

// Lines returns every command line received so far, in order.
func (d *Device) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errors.New("file already closed")
	}
	if d.WriteErr != nil {
		return 0, d.WriteErr
	}

	if d.pending != "" {
		line := d.pending
		d.pending = ""
		d.reply(line, d.handler(line, append([]byte(nil), p...)))
		return len(p), nil
	}

	line := strings.TrimRight(string(p), "\r\n")
	d.lines = append(d.lines, line)
	cmd := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		cmd = line[:i]
	}
	if d.payloads[cmd] {
		d.pending = line
		return len(p), nil
	}
	d.reply(line, d.handler(line, nil))
	return len(p), nil
}

func (d *Device) reply(line, r string) {
	if r == Silent {
		return
	}
	if r != "" {
		r += "\r\n"
	}
	r += ".\r\n"

	cmd, _, _ := strings.Cut(line, " ")
	at := time.Now()
	if n := len(d.queued); n > 0 && d.queued[n-1].at.After(at) {
		at = d.queued[n-1].at
	}
	d.queued = append(d.queued, queuedReply{at: at.Add(d.delays[cmd]), data: r})
}

// release moves every reply that is due to the read buffer.
func (d *Device) release() {
	now := time.Now()
	for len(d.queued) > 0 && !d.queued[0].at.After(now) {
		d.out.WriteString(d.queued[0].data)
		d.queued = d.queued[1:]
	}
}

func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, errors.New("file already closed")
	}
	d.release()
	if d.out.Len() == 0 {
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer d.mu.Unlock()
	return d.out.Read(p)
}

func (d *Device) SetReadTimeout(time.Duration) error { return nil }

func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
