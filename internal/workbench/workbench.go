// Package workbench holds the mutable state of one suggestion session.
//
// A Workbench moves through Created → Suggested → Refined → Committed.
// It is not safe for concurrent use; callers serialize access per session.
package workbench

import (
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle position of a Workbench.
type State int

const (
	Created State = iota
	Suggested
	Refined
	Committed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Suggested:
		return "suggested"
	case Refined:
		return "refined"
	case Committed:
		return "committed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned for an operation the current state forbids.
	ErrInvalidState = errors.New("invalid workbench state")

	// ErrEmptySuggestion is returned when a suggestion or its refinement is blank.
	ErrEmptySuggestion = errors.New("suggestion is empty")
)

// Workbench tracks a request, the code accumulated for it and the current suggestion.
type Workbench struct {
	request string

	code    strings.Builder
	hasCode bool

	suggestion    string
	hasSuggestion bool

	state State
}

// New creates a Workbench in the Created state.
func New(request string) *Workbench {
	return &Workbench{request: request, state: Created}
}

// Request returns the request the workbench was created with.
func (w *Workbench) Request() string { return w.request }

// State returns the current state.
func (w *Workbench) State() State { return w.state }

// Code returns the accumulated code and whether any was ever committed.
func (w *Workbench) Code() (string, bool) {
	return w.code.String(), w.hasCode
}

// Suggestion returns the current suggestion and whether one has been set.
func (w *Workbench) Suggestion() (string, bool) {
	return w.suggestion, w.hasSuggestion
}

// SetSuggestion replaces the suggestion. Valid from Created or Refined.
func (w *Workbench) SetSuggestion(text string) error {
	if w.state != Created && w.state != Refined {
		return w.invalid("set suggestion")
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptySuggestion
	}
	w.suggestion = text
	w.hasSuggestion = true
	w.state = Suggested
	return nil
}

// Refine derives a new suggestion from the current one. Valid only from Suggested.
// On error the workbench is left unchanged.
func (w *Workbench) Refine(policy Refiner) error {
	if w.state != Suggested {
		return w.invalid("refine")
	}
	refined, err := policy.Refine(w.suggestion)
	if err != nil {
		return fmt.Errorf("failed to refine suggestion: %w", err)
	}
	if strings.TrimSpace(refined) == "" {
		return fmt.Errorf("failed to refine suggestion: %w", ErrEmptySuggestion)
	}
	w.suggestion = refined
	w.state = Refined
	return nil
}

// CommitChange appends text to the accumulated code. Legal in every state and
// never changes the state.
func (w *Workbench) CommitChange(text string) {
	w.code.WriteString(text)
	w.hasCode = true
}

// Pending returns what Finalize would return without changing state.
func (w *Workbench) Pending() (string, error) {
	if w.state != Suggested && w.state != Refined {
		return "", w.invalid("finalize")
	}
	return w.suggestion, nil
}

// Finalize returns the suggestion and moves to the terminal Committed state.
// Valid from Suggested or Refined.
func (w *Workbench) Finalize() (string, error) {
	s, err := w.Pending()
	if err != nil {
		return "", err
	}
	w.state = Committed
	return s, nil
}

func (w *Workbench) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidState, op, w.state)
}
