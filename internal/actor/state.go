package actor

import (
	"fmt"
	"strings"
	"unicode"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// State is the closed set of lifecycle phases an actor moves through:
// Pending -> Building -> Running, or Failed from any of them.
type State int

const (
	StatePending State = iota
	StateBuilding
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateBuilding:
		return "Building"
	case StateRunning:
		return "Running"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState maps a condition type string back onto the closed enum.
func ParseState(s string) (State, error) {
	switch s {
	case "Pending":
		return StatePending, nil
	case "Building":
		return StateBuilding, nil
	case "Running":
		return StateRunning, nil
	case "Failed":
		return StateFailed, nil
	}
	return StatePending, fmt.Errorf("unknown actor state %q", s)
}

// Status is the observed lifecycle state of an actor: an ordered ledger
// of conditions, one per lifecycle phase. The list itself does not
// forbid duplicate types; SetCondition is the only mutation offered and
// it upserts by type.
type Status struct {
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// Pending reports whether the Pending condition is currently asserted.
func (s *Status) Pending() bool { return s.asserted(StatePending) }

// Building reports whether the Building condition is currently asserted.
func (s *Status) Building() bool { return s.asserted(StateBuilding) }

// Running reports whether the Running condition is currently asserted.
func (s *Status) Running() bool { return s.asserted(StateRunning) }

// Failed reports whether the Failed condition is currently asserted.
func (s *Status) Failed() bool { return s.asserted(StateFailed) }

func (s *Status) asserted(state State) bool {
	for _, c := range s.Conditions {
		if c.Type == state.String() && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// SetCondition upserts the condition by type, keeping at most one
// condition per lifecycle phase. Returns true when the ledger changed.
func (s *Status) SetCondition(c metav1.Condition) bool {
	return meta.SetStatusCondition(&s.Conditions, c)
}

// Phase classifies the current lifecycle phase for display. Failed wins
// over Running, Running over Building, Building over Pending; an empty
// ledger reads as Pending.
func (s *Status) Phase() State {
	for _, state := range []State{StateFailed, StateRunning, StateBuilding, StatePending} {
		if s.asserted(state) {
			return state
		}
	}
	return StatePending
}

// NewPending is the condition recorded when an actor is first declared.
func NewPending() metav1.Condition {
	return newCondition(StatePending, true, "Created", "")
}

// NewBuilding is the condition recorded when the image build starts.
func NewBuilding() metav1.Condition {
	return newCondition(StateBuilding, true, "Build", "")
}

// NewRunning records the outcome of a deploy attempt.
func NewRunning(status bool, reason, message string) metav1.Condition {
	return newCondition(StateRunning, status, reason, message)
}

// NewFailed records a failure at any stage. Whether it is terminal is
// the controller's retry policy, not encoded here.
func NewFailed(status bool, reason, message string) metav1.Condition {
	return newCondition(StateFailed, status, reason, message)
}

// newCondition never fails; content is entirely caller-supplied. The
// empty message is the explicit default.
func newCondition(state State, status bool, reason, message string) metav1.Condition {
	st := metav1.ConditionFalse
	if status {
		st = metav1.ConditionTrue
	}
	return metav1.Condition{
		Type:               state.String(),
		Status:             st,
		Reason:             pascal(reason),
		Message:            message,
		LastTransitionTime: metav1.Now(),
	}
}

// pascal canonicalizes a reason to PascalCase: words split on spaces,
// dots, dashes, and underscores; first letter of each upper-cased.
func pascal(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		switch {
		case r == ' ' || r == '.' || r == '-' || r == '_':
			upper = true
		case upper:
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
