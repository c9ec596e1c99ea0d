// Package backup captures a keyboard's settings as an ordered list of focus
// commands and replays them after a flash.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"KeyFlash/focus"
)

// Entry is one setting: the command that reads or writes it and its value.
type Entry struct {
	Command string `json:"command"`
	Data    string `json:"data"`
}

// Line is the command that writes the entry back.
func (e Entry) Line() string {
	return strings.TrimSpace(e.Command + " " + e.Data)
}

// Backup is an ordered set of entries. Order matters on replay.
type Backup struct {
	Entries   []Entry   `json:"backup"`
	Product   string    `json:"product,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Len is the number of entries; a nil backup has none.
func (b *Backup) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Entries)
}

// DefaultCommands are the settings captured before a flash.
var DefaultCommands = []string{
	"keymap.custom",
	"keymap.default",
	"keymap.onlyCustom",
	"settings.defaultLayer",
	"colormap.map",
	"palette",
	"idleleds.time_limit",
	"led.brightness",
	"led.brightnessUG",
	"superkeys.map",
	"superkeys.waittime",
	"superkeys.timeout",
	"superkeys.repeat",
	"superkeys.holdstart",
	"superkeys.overlap",
	"macros.map",
	"mouse.speed",
	"mouse.speedDelay",
	"mouse.accelSpeed",
	"mouse.accelDelay",
	"mouse.wheelSpeed",
	"mouse.wheelDelay",
	"mouse.speedLimit",
	"qukeys.holdTimeout",
	"qukeys.overlapThreshold",
}

// Querier reads one setting.
type Querier interface {
	Command(ctx context.Context, cmd string, args ...string) (string, error)
}

// Capture reads each command's current value in order. Commands the
// firmware refuses are skipped; any other failure aborts the capture, since
// the values read after it could belong to the wrong command.
func Capture(ctx context.Context, q Querier, commands []string) (*Backup, error) {
	b := &Backup{CreatedAt: time.Now()}
	for _, cmd := range commands {
		val, err := q.Command(ctx, cmd)
		if errors.Is(err, focus.ErrNoAck) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", cmd, err)
		}
		b.Entries = append(b.Entries, Entry{Command: cmd, Data: strings.TrimSpace(val)})
	}
	return b, nil
}

// Parse reads a backup, either a bare JSON array of entries or an object
// with a "backup" array.
func Parse(r io.Reader) (*Backup, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty backup")
	}

	b := &Backup{}
	if data[0] == '[' {
		if err := json.Unmarshal(data, &b.Entries); err != nil {
			return nil, fmt.Errorf("failed to parse backup: %w", err)
		}
	} else if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}

	for i, e := range b.Entries {
		if strings.TrimSpace(e.Command) == "" {
			return nil, fmt.Errorf("backup entry %d has no command", i)
		}
	}
	return b, nil
}

// Load reads a backup file.
func Load(path string) (*Backup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Save writes b to path as indented JSON.
func (b *Backup) Save(path string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}
