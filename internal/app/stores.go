package app

import (
	"context"

	"quiz-arena-service/internal/domain"
)

// SessionStore is the synchronization boundary for the shared session
// document. Implementations must apply writes at field granularity so that
// concurrent writers of disjoint subtrees never clobber each other, and must
// deliver full-document snapshots (never diffs) to subscribers on every
// change.
type SessionStore interface {
	Create(ctx context.Context, session domain.Session) error
	Get(ctx context.Context, sessionID string) (domain.Session, error)
	ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error)

	// AddPlayer inserts the player's subtree if absent. Re-adding an existing
	// player is a no-op; the current session is returned either way.
	AddPlayer(ctx context.Context, sessionID, userID string, player domain.PlayerState) (domain.Session, error)

	// RecordAnswer applies the answer ledger write atomically: it is rejected
	// (accepted=false, no mutation) when the player's LastAnswerIndex already
	// covers rec.QuestionIndex. Accepted writes merge into the player's
	// Answers map, preserving earlier entries.
	RecordAnswer(ctx context.Context, sessionID, userID string, rec domain.AnswerRecord) (domain.Session, bool, error)

	// Transition performs a compare-and-set phase/index change and returns
	// domain.ErrStaleTransition when the session has moved past tr's
	// From fields.
	Transition(ctx context.Context, sessionID string, tr domain.Transition) (domain.Session, error)

	// Subscribe streams full session snapshots. The caller must invoke the
	// returned cancel function to avoid leaks.
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.Session, func(), error)
}

// QuizStore persists immutable quiz content.
type QuizStore interface {
	SaveQuiz(ctx context.Context, quiz domain.Quiz) error
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	DeleteQuiz(ctx context.Context, quizID string) error
	ListQuizzes(ctx context.Context) ([]domain.Quiz, error)
}

// HistoryStore records completed games per player. Append treats a duplicate
// (SessionID, UserID) pair as a no-op, which makes the at-least-once
// completion side effect safe.
type HistoryStore interface {
	Append(ctx context.Context, entry domain.HistoryEntry) error
	ListByUser(ctx context.Context, userID string) ([]domain.HistoryEntry, error)
}

// QuizGenerator produces validated question sets and best-effort answer
// explanations from an upstream text-generation service.
type QuizGenerator interface {
	GenerateQuiz(ctx context.Context, topic string, count int) ([]domain.Question, error)
	Explain(ctx context.Context, question domain.Question, userAnswer string) (string, error)
}
