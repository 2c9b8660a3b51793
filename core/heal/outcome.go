package heal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/PageHealer/core/errors"
)

// Outcome classifies a finished repair transaction.
type Outcome int

const (
	// NoActionNeeded means the page already verified when it was read.
	NoActionNeeded Outcome = iota
	// IntrinsicallyHealed means structural fixes alone restored the page.
	IntrinsicallyHealed
	// ExternallyHealedWholePage means the page was replaced by its
	// reference copy.
	ExternallyHealedWholePage
	// ExternallyHealedByTuple means copying one or more tuples from the
	// reference copy restored the page.
	ExternallyHealedByTuple
	// Unresolved means no tier produced a verifying page, or the
	// transaction could not run. The file is untouched.
	Unresolved
)

var outcomeNames = map[Outcome]string{
	NoActionNeeded:            "no_action_needed",
	IntrinsicallyHealed:       "intrinsically_healed",
	ExternallyHealedWholePage: "externally_healed_whole_page",
	ExternallyHealedByTuple:   "externally_healed_by_tuple",
	Unresolved:                "unresolved",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(name string) (Outcome, error) {
	for o, n := range outcomeNames {
		if n == name {
			return o, nil
		}
	}
	return 0, errors.NewParse("outcome", name, "unknown outcome")
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	v, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Healed reports whether the outcome rewrote the page.
func (o Outcome) Healed() bool {
	return o == IntrinsicallyHealed || o == ExternallyHealedWholePage || o == ExternallyHealedByTuple
}

// Err returns the sentinel matching an outcome that did not rewrite the
// page, or nil for healed outcomes.
func (o Outcome) Err() error {
	switch o {
	case NoActionNeeded:
		return errors.ErrAlreadyHealthy
	case Unresolved:
		return errors.ErrUnresolved
	default:
		return nil
	}
}

// State is a step of the repair state machine.
type State int

const (
	StateOpened State = iota
	StateIntrinsicTried
	StateExternalTried
	StateVerified
	StateCommitted
	StateAbandoned
)

var stateNames = []string{"opened", "intrinsic_tried", "external_tried", "verified", "committed", "abandoned"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return errors.NewParse("state", string(b), "unknown state")
}

// Report records one repair transaction.
type Report struct {
	ID    uuid.UUID `json:"id"`
	Path  string    `json:"path"`
	Block uint32    `json:"block"`

	Outcome Outcome `json:"outcome"`
	Trail   []State `json:"trail"`

	// Found and Fixed are the intrinsic repairer's problem counts.
	Found int `json:"problems_found"`
	Fixed int `json:"problems_fixed"`

	StoredChecksum uint16 `json:"stored_checksum"`
	ChecksumBefore uint16 `json:"checksum_before"`
	ChecksumAfter  uint16 `json:"checksum_after"`
	DigestBefore   string `json:"digest_before,omitempty"`
	DigestAfter    string `json:"digest_after,omitempty"`

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (r *Report) enter(s State) {
	r.Trail = append(r.Trail, s)
}

// Final returns the last state reached.
func (r Report) Final() State {
	if len(r.Trail) == 0 {
		return StateOpened
	}
	return r.Trail[len(r.Trail)-1]
}
