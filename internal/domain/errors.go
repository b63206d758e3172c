package domain

import "errors"

var (
	// ErrSessionNotFound is returned when a referenced session id is absent.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrPlayerNotFound is returned when a user acts before joining a session.
	ErrPlayerNotFound = errors.New("player not found in session")
	// ErrUnauthorized is returned when a mutation is attempted by a
	// non-owning identity, or with no identity at all.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStaleTransition is returned when a phase/index advance was attempted
	// against an already-superseded session state. Callers treat it as a
	// benign no-op.
	ErrStaleTransition = errors.New("stale session transition")
	// ErrGenerationFailed indicates upstream quiz content was malformed or
	// could not be produced. Nothing is persisted on this error.
	ErrGenerationFailed = errors.New("quiz generation failed")
)
