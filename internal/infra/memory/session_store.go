package memory

import (
	"context"
	"fmt"
	"sync"

	"quiz-arena-service/internal/domain"
)

// SessionStore is the in-process implementation of app.SessionStore. Each
// session document is guarded by its own mutex; writes mutate only the fields
// they own and every committed write fans a full deep-copied snapshot out to
// subscribers.
type SessionStore struct {
	mu   sync.RWMutex
	docs map[string]*sessionDoc
}

type sessionDoc struct {
	mu          sync.Mutex
	session     domain.Session
	subscribers map[chan domain.Session]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{docs: make(map[string]*sessionDoc)}
}

func (s *SessionStore) Create(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.docs[session.ID] = &sessionDoc{
		session:     session.Clone(),
		subscribers: make(map[chan domain.Session]struct{}),
	}
	return nil
}

func (s *SessionStore) Get(_ context.Context, sessionID string) (domain.Session, error) {
	doc, ok := s.doc(sessionID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.session.Clone(), nil
}

func (s *SessionStore) ListByStatus(_ context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	s.mu.RLock()
	docs := make([]*sessionDoc, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	var out []domain.Session
	for _, doc := range docs {
		doc.mu.Lock()
		if doc.session.Status == status {
			out = append(out, doc.session.Clone())
		}
		doc.mu.Unlock()
	}
	return out, nil
}

func (s *SessionStore) AddPlayer(_ context.Context, sessionID, userID string, player domain.PlayerState) (domain.Session, error) {
	doc, ok := s.doc(sessionID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	if _, ok := doc.session.Players[userID]; ok {
		return doc.session.Clone(), nil
	}
	// JoinOrder is assigned under the document lock so concurrent joins get
	// distinct, stable ranks.
	player.JoinOrder = len(doc.session.Players)
	doc.session.Players[userID] = player
	return doc.broadcastLocked(), nil
}

func (s *SessionStore) RecordAnswer(_ context.Context, sessionID, userID string, rec domain.AnswerRecord) (domain.Session, bool, error) {
	doc, ok := s.doc(sessionID)
	if !ok {
		return domain.Session{}, false, domain.ErrSessionNotFound
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	player, ok := doc.session.Players[userID]
	if !ok {
		return domain.Session{}, false, domain.ErrPlayerNotFound
	}
	if player.LastAnswerIndex >= rec.QuestionIndex {
		// First submission won already; retries must not double-count.
		return doc.session.Clone(), false, nil
	}

	player.Score += rec.Points
	if rec.Correct {
		player.CorrectAnswers++
	}
	player.LastAnswerIndex = rec.QuestionIndex
	if player.Answers == nil {
		player.Answers = make(map[int]string)
	}
	player.Answers[rec.QuestionIndex] = rec.Option
	doc.session.Players[userID] = player

	return doc.broadcastLocked(), true, nil
}

func (s *SessionStore) Transition(_ context.Context, sessionID string, tr domain.Transition) (domain.Session, error) {
	doc, ok := s.doc(sessionID)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()

	if doc.session.Status != tr.FromStatus || doc.session.CurrentQuestionIndex != tr.FromIndex {
		return domain.Session{}, domain.ErrStaleTransition
	}
	doc.session.Status = tr.ToStatus
	doc.session.CurrentQuestionIndex = tr.ToIndex
	if !tr.StartTime.IsZero() {
		doc.session.QuestionStartTime = tr.StartTime
	}
	return doc.broadcastLocked(), nil
}

func (s *SessionStore) Subscribe(_ context.Context, sessionID string) (<-chan domain.Session, func(), error) {
	doc, ok := s.doc(sessionID)
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}

	ch := make(chan domain.Session, 8)

	doc.mu.Lock()
	doc.subscribers[ch] = struct{}{}
	initial := doc.session.Clone()
	doc.mu.Unlock()

	ch <- initial

	cancel := func() {
		doc.mu.Lock()
		if _, ok := doc.subscribers[ch]; ok {
			delete(doc.subscribers, ch)
			close(ch)
		}
		doc.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *SessionStore) doc(sessionID string) (*sessionDoc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[sessionID]
	return doc, ok
}

// broadcastLocked snapshots the document and pushes it to every subscriber,
// dropping the oldest queued snapshot for slow consumers so broadcast never
// blocks.
func (d *sessionDoc) broadcastLocked() domain.Session {
	snap := d.session.Clone()
	for ch := range d.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
	return snap
}
