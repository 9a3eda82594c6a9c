package director

import "time"

// State is the director's finite-state-machine state.
type State int

const (
	// InputStandby is idle: the user may type or speak.
	InputStandby State = iota

	// Performance reveals the head segment's text and plays its audio.
	Performance

	// Waiting holds a fully performed segment until the user advances.
	Waiting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case InputStandby:
		return "input_standby"
	case Performance:
		return "performance"
	case Waiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// View is what the UI renders.
type View struct {
	State State

	// DisplayedText is the revealed prefix of the segment's main text.
	DisplayedText string

	// ThinkText is the revealed prefix of the thinking text. It is cleared
	// when the main-text phase begins.
	ThinkText string

	// CurrentName is the speaking character's display name, or the user's
	// name in InputStandby.
	CurrentName string

	// SegmentID and Character identify the segment being performed. Empty in
	// InputStandby.
	SegmentID string
	Character string

	// CanInput is true while user input is accepted.
	CanInput bool

	// ShowCaret is true when the UI should show the continue marker.
	ShowCaret bool

	// Queued is the number of segments in the buffer, including the one on
	// stage.
	Queued int
}

// Performed describes a segment that reached Waiting.
type Performed struct {
	SegmentID string
	Character string
	Name      string
	Text      string
	ThinkText string
	Chunks    int

	// Skipped counts chunks that failed to play.
	Skipped int

	Started  time.Time
	Finished time.Time
}

// Credentials supplies the user identity attached to outbound frames and
// shown while idle.
type Credentials interface {
	DisplayName() string
	Token() string
}

// StaticCredentials is a fixed [Credentials] value.
type StaticCredentials struct {
	Name      string
	AuthToken string
}

// DisplayName implements [Credentials].
func (c StaticCredentials) DisplayName() string { return c.Name }

// Token implements [Credentials].
func (c StaticCredentials) Token() string { return c.AuthToken }
