package orchestrator

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"KeyFlash/backup"
	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/flasher"
)

// State is a step of a flash session.
type State int

const (
	Idle State = iota
	Preparing
	FlashingLeft
	FlashingRight
	FlashingNeuron
	Resetting
	Reconnecting
	Restoring
	Success
	Failed
)

var stateNames = map[State]string{
	Idle:           "idle",
	Preparing:      "preparing",
	FlashingLeft:   "flashing-left",
	FlashingRight:  "flashing-right",
	FlashingNeuron: "flashing-neuron",
	Resetting:      "resetting",
	Reconnecting:   "reconnecting",
	Restoring:      "restoring",
	Success:        "success",
	Failed:         "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// MarshalText lets states show up by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Firmware holds the images of one session. Both halves of a split board
// take the same keyscanner image.
type Firmware struct {
	Sides  []byte
	Neuron []byte
}

// Session is one flashing run. It is owned by the orchestrator while the
// run lasts and only read afterwards.
type Session struct {
	ID       string          `json:"id"`
	Device   *device.Device  `json:"device"`
	Progress events.Progress `json:"progress"`
	State    State           `json:"state"`

	LeftResult  bool `json:"leftResult"`
	RightResult bool `json:"rightResult"`

	// SideErrors holds the failure of each side that did not flash.
	SideErrors map[flasher.Side]error `json:"-"`

	// FailedStage and Err are set when State is Failed.
	FailedStage State `json:"failedStage,omitempty"`
	Err         error `json:"-"`

	// RestoreErr is a failed settings replay. The flash itself succeeded.
	RestoreErr error `json:"-"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	firmware   Firmware
	backup     *backup.Backup
	force      bool
	original   device.Identity
	bootloader bool
	weights    events.Weights
	publish    events.Publisher
}

func newSession(d *device.Device, req Request, publish events.Publisher) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Device:     d,
		State:      Idle,
		SideErrors: make(map[flasher.Side]error),
		StartedAt:  time.Now(),
		firmware:   req.Firmware,
		backup:     req.Backup,
		force:      req.Force,
		original:   d.Identity(),
		bootloader: d.Bootloader,
		publish:    publish,
	}
}

// Bootloader reports whether the keyboard was in bootloader mode when the
// session began.
func (s *Session) Bootloader() bool { return s.bootloader }

// Original is the keyboard's identity captured before it was reset.
func (s *Session) Original() device.Identity { return s.original }

// Backup is the settings replayed at the end of the session.
func (s *Session) Backup() *backup.Backup { return s.backup }

// update records a stage percentage and publishes the new progress.
func (s *Session) update(stage events.Stage, percentage float64) {
	s.Progress.Set(stage, percentage, s.weights)
	if s.publish != nil {
		s.publish.Publish(events.NewEvent(s.ID, stage, percentage, s.Progress))
	}
}

func (s *Session) stageProgress(stage events.Stage) flasher.Progress {
	return func(pct float64) { s.update(stage, pct) }
}
