// Package events carries flashing progress from the orchestrator to whoever
// renders it: the desktop frontend, the CLI progress bar or an MQTT broker.
package events

// Stage names one weighted slice of a flashing session.
type Stage string

const (
	StageLeft    Stage = "left"
	StageRight   Stage = "right"
	StageReset   Stage = "reset"
	StageNeuron  Stage = "neuron"
	StageRestore Stage = "restore"

	// StageReconnect is reported while polling for the keyboard after a reset.
	// It carries no weight in the global percentage.
	StageReconnect Stage = "reconnect"
)

// IncrementEvent is the event type the frontend listens for.
const IncrementEvent = "increment_event"

// Weights is the share of each stage in the global percentage.
type Weights struct {
	Left    float64
	Right   float64
	Reset   float64
	Neuron  float64
	Restore float64
}

var (
	// WiredSingleUnitWeights is used by one-piece boards with no separate sides.
	WiredSingleUnitWeights = Weights{Reset: 0.33, Neuron: 0.33, Restore: 0.33}

	// DualUnitWeights is used by split boards with a neuron.
	DualUnitWeights = Weights{Left: 0.2, Right: 0.2, Reset: 0.2, Neuron: 0.2, Restore: 0.2}
)

// Progress holds the per-stage percentages of one session.
type Progress struct {
	GlobalProgress  float64 `json:"globalProgress"`
	LeftProgress    float64 `json:"leftProgress"`
	RightProgress   float64 `json:"rightProgress"`
	ResetProgress   float64 `json:"resetProgress"`
	NeuronProgress  float64 `json:"neuronProgress"`
	RestoreProgress float64 `json:"restoreProgress"`
}

// Set records percentage for stage and recomputes the global value.
// Percentages are clamped to 0..100 and never go backwards within a stage.
// It reports whether stage is a weighted stage.
func (p *Progress) Set(stage Stage, percentage float64, w Weights) bool {
	percentage = clamp(percentage)

	var field *float64
	switch stage {
	case StageLeft:
		field = &p.LeftProgress
	case StageRight:
		field = &p.RightProgress
	case StageReset:
		field = &p.ResetProgress
	case StageNeuron:
		field = &p.NeuronProgress
	case StageRestore:
		field = &p.RestoreProgress
	default:
		return false
	}
	if percentage > *field {
		*field = percentage
	}
	p.GlobalProgress = p.Global(w)
	return true
}

// Global is the weighted sum of the stage percentages.
func (p Progress) Global(w Weights) float64 {
	return p.LeftProgress*w.Left +
		p.RightProgress*w.Right +
		p.ResetProgress*w.Reset +
		p.NeuronProgress*w.Neuron +
		p.RestoreProgress*w.Restore
}

func clamp(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Event is one progress update. Percentage is the value reported by the
// stage, clamped to 0..100; Data is the session progress after applying it.
type Event struct {
	Type       string   `json:"type"`
	Session    string   `json:"session,omitempty"`
	Stage      Stage    `json:"stage"`
	Percentage float64  `json:"percentage"`
	Data       Progress `json:"data"`
}

// NewEvent builds an increment event from the current session progress.
func NewEvent(session string, stage Stage, percentage float64, p Progress) Event {
	return Event{
		Type:       IncrementEvent,
		Session:    session,
		Stage:      stage,
		Percentage: clamp(percentage),
		Data:       p,
	}
}
