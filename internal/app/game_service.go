package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-arena-service/internal/domain"
)

// GameService contains the quiz session use cases: quiz authoring, session
// lifecycle, the answer ledger, and the host-side progression triggers.
type GameService struct {
	sessions  SessionStore
	quizzes   QuizStore
	history   HistoryStore
	generator QuizGenerator // nil when no generator is configured
	clock     clockwork.Clock

	baseCtx    context.Context
	baseCancel context.CancelFunc

	runnersMu sync.Mutex
	runners   map[string]*progressRunner
}

func NewGameService(sessions SessionStore, quizzes QuizStore, history HistoryStore, generator QuizGenerator) *GameService {
	return NewGameServiceWithClock(sessions, quizzes, history, generator, clockwork.NewRealClock())
}

// NewGameServiceWithClock injects the clock so timer-driven progression is
// deterministic in tests.
func NewGameServiceWithClock(sessions SessionStore, quizzes QuizStore, history HistoryStore, generator QuizGenerator, clock clockwork.Clock) *GameService {
	ctx, cancel := context.WithCancel(context.Background())
	return &GameService{
		sessions:   sessions,
		quizzes:    quizzes,
		history:    history,
		generator:  generator,
		clock:      clock,
		baseCtx:    ctx,
		baseCancel: cancel,
		runners:    make(map[string]*progressRunner),
	}
}

// Close stops all progression runners and waits for them to exit.
func (s *GameService) Close() {
	s.baseCancel()
	s.runnersMu.Lock()
	runners := make([]*progressRunner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runnersMu.Unlock()
	for _, r := range runners {
		<-r.done
	}
}

// CreateQuiz generates question content for the topic and persists it. A
// generation failure aborts the whole operation; no partial quiz is saved.
func (s *GameService) CreateQuiz(ctx context.Context, actor domain.Identity, topic string, count int) (domain.Quiz, error) {
	if actor.UID == "" {
		return domain.Quiz{}, domain.ErrUnauthorized
	}
	if s.generator == nil {
		return domain.Quiz{}, fmt.Errorf("%w: no generator configured", domain.ErrGenerationFailed)
	}
	questions, err := s.generator.GenerateQuiz(ctx, topic, count)
	if err != nil {
		return domain.Quiz{}, err
	}
	quiz := domain.Quiz{
		ID:          uuid.NewString(),
		Topic:       topic,
		Questions:   questions,
		CreatedBy:   actor.UID,
		CreatorName: actor.DisplayName,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.quizzes.SaveQuiz(ctx, quiz); err != nil {
		return domain.Quiz{}, fmt.Errorf("save quiz: %w", err)
	}
	log.Info().Str("quiz_id", quiz.ID).Str("topic", topic).Int("questions", len(questions)).Msg("quiz created")
	return quiz, nil
}

// DeleteQuiz removes a quiz; only its creator may do so.
func (s *GameService) DeleteQuiz(ctx context.Context, actor domain.Identity, quizID string) error {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	if actor.UID == "" || quiz.CreatedBy != actor.UID {
		log.Warn().Str("quiz_id", quizID).Str("uid", actor.UID).Msg("delete rejected: not the creator")
		return domain.ErrUnauthorized
	}
	return s.quizzes.DeleteQuiz(ctx, quizID)
}

func (s *GameService) ListQuizzes(ctx context.Context) ([]domain.Quiz, error) {
	return s.quizzes.ListQuizzes(ctx)
}

// CreateSession opens a waiting lobby for the quiz with the actor as host.
// The host is auto-joined as the first player.
func (s *GameService) CreateSession(ctx context.Context, actor domain.Identity, quizID string) (domain.Session, error) {
	if actor.UID == "" {
		return domain.Session{}, domain.ErrUnauthorized
	}
	// Quiz content is immutable; fetching here both validates the reference
	// and warms the cache for the session's lifetime.
	if _, err := s.quizzes.GetQuiz(ctx, quizID); err != nil {
		return domain.Session{}, err
	}
	now := s.clock.Now()
	session := domain.Session{
		ID:     uuid.NewString(),
		QuizID: quizID,
		HostID: actor.UID,
		Status: domain.StatusWaiting,
		Players: map[string]domain.PlayerState{
			actor.UID: newPlayer(actor, now, 0),
		},
		CreatedAt: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	log.Info().Str("session_id", session.ID).Str("quiz_id", quizID).Str("host", actor.UID).Msg("session created")
	return session, nil
}

// GetSession returns the current session snapshot.
func (s *GameService) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

// ListOpenSessions returns lobbies still waiting for players, newest first.
func (s *GameService) ListOpenSessions(ctx context.Context) ([]domain.Session, error) {
	sessions, err := s.sessions.ListByStatus(ctx, domain.StatusWaiting)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Join registers the actor in the session's player map. Joining twice is a
// no-op; completed sessions accept no new players but remain observable.
func (s *GameService) Join(ctx context.Context, actor domain.Identity, sessionID string) (domain.Session, error) {
	if actor.UID == "" {
		return domain.Session{}, domain.ErrUnauthorized
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if _, ok := session.Players[actor.UID]; ok {
		return session, nil
	}
	if session.Status == domain.StatusCompleted {
		return session, nil
	}
	return s.sessions.AddPlayer(ctx, sessionID, actor.UID, newPlayer(actor, s.clock.Now(), len(session.Players)))
}

// Start flips the session to active. Host only. Starting an already-active
// session is a no-op.
func (s *GameService) Start(ctx context.Context, actor domain.Identity, sessionID string) (domain.Session, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !session.IsHost(actor.UID) {
		log.Warn().Str("session_id", sessionID).Str("uid", actor.UID).Msg("start rejected: not the host")
		return domain.Session{}, domain.ErrUnauthorized
	}
	if session.Status == domain.StatusActive {
		s.startRunner(sessionID)
		return session, nil
	}
	updated, err := s.sessions.Transition(ctx, sessionID, domain.Transition{
		FromStatus: domain.StatusWaiting,
		FromIndex:  0,
		ToStatus:   domain.StatusActive,
		ToIndex:    0,
		StartTime:  s.clock.Now(),
	})
	if err == domain.ErrStaleTransition {
		// Lost the race to another start; whoever won did the same thing.
		return s.sessions.Get(ctx, sessionID)
	}
	if err != nil {
		return domain.Session{}, err
	}
	log.Info().Str("session_id", sessionID).Msg("session started")
	s.startRunner(sessionID)
	return updated, nil
}

// SubmitAnswer runs the answer ledger for the actor's own player entry.
// First submission per question wins; retries and duplicates never
// double-count. Correctness is judged against the quiz content, never
// trusted from the client.
func (s *GameService) SubmitAnswer(ctx context.Context, actor domain.Identity, sessionID string, questionIndex int, option string) (domain.AnswerResult, error) {
	if actor.UID == "" {
		return domain.AnswerResult{}, domain.ErrUnauthorized
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	player, ok := session.Players[actor.UID]
	if !ok {
		return domain.AnswerResult{}, domain.ErrPlayerNotFound
	}
	result := domain.AnswerResult{QuestionIndex: questionIndex, TotalScore: player.Score}
	if session.Status != domain.StatusActive || questionIndex != session.CurrentQuestionIndex {
		// Stale submission for a question that is no longer current.
		return result, nil
	}
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if questionIndex < 0 || questionIndex >= len(quiz.Questions) {
		return result, nil
	}

	now := s.clock.Now()
	correct := quiz.Questions[questionIndex].Answer == option
	points := domain.Score(correct, session.QuestionStartTime, now)

	updated, accepted, err := s.sessions.RecordAnswer(ctx, sessionID, actor.UID, domain.AnswerRecord{
		QuestionIndex: questionIndex,
		Option:        option,
		Correct:       correct,
		Points:        points,
		SubmittedAt:   now,
	})
	if err != nil {
		return domain.AnswerResult{}, err
	}
	result.Accepted = accepted
	result.Correct = correct
	result.TotalScore = updated.Players[actor.UID].Score
	if accepted {
		result.Awarded = points
	}
	return result, nil
}

// Advance lets the host skip ahead without waiting for the timers.
func (s *GameService) Advance(ctx context.Context, actor domain.Identity, sessionID string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.IsHost(actor.UID) {
		log.Warn().Str("session_id", sessionID).Str("uid", actor.UID).Msg("advance rejected: not the host")
		return domain.ErrUnauthorized
	}
	return s.advance(ctx, sessionID, session.CurrentQuestionIndex)
}

// advance moves the session past fromIndex, or completes it when fromIndex is
// the last question. It is idempotent: if the session already moved past
// fromIndex the call is a no-op, so duplicate timer fires are harmless.
func (s *GameService) advance(ctx context.Context, sessionID string, fromIndex int) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.StatusActive || session.CurrentQuestionIndex != fromIndex {
		log.Debug().Str("session_id", sessionID).Int("from_index", fromIndex).Msg("advance skipped: state moved on")
		return nil
	}
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return err
	}

	tr := domain.Transition{FromStatus: domain.StatusActive, FromIndex: fromIndex}
	if next := fromIndex + 1; next < len(quiz.Questions) {
		tr.ToStatus = domain.StatusActive
		tr.ToIndex = next
		tr.StartTime = s.clock.Now()
	} else {
		tr.ToStatus = domain.StatusCompleted
		tr.ToIndex = fromIndex
	}

	updated, err := s.sessions.Transition(ctx, sessionID, tr)
	if err == domain.ErrStaleTransition {
		log.Debug().Str("session_id", sessionID).Int("from_index", fromIndex).Msg("advance lost race")
		return nil
	}
	if err != nil {
		return err
	}
	if updated.Status == domain.StatusCompleted {
		log.Info().Str("session_id", sessionID).Msg("session completed")
		s.recordHistory(ctx, updated, quiz)
	}
	return nil
}

// recordHistory appends one entry per player. The store dedups on
// (SessionID, UserID), so replaying completion is safe.
func (s *GameService) recordHistory(ctx context.Context, session domain.Session, quiz domain.Quiz) {
	now := s.clock.Now()
	for uid, player := range session.Players {
		err := s.history.Append(ctx, domain.HistoryEntry{
			SessionID: session.ID,
			QuizID:    session.QuizID,
			UserID:    uid,
			Topic:     quiz.Topic,
			Score:     player.Score,
			PlayedAt:  now,
		})
		if err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Str("uid", uid).Msg("history append failed")
		}
	}
}

// Explain returns a short justification for a question's answer. Best effort:
// a generator failure degrades to the stored explanation, never an error that
// blocks play.
func (s *GameService) Explain(ctx context.Context, sessionID string, questionIndex int, userAnswer string) (string, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return "", err
	}
	if questionIndex < 0 || questionIndex >= len(quiz.Questions) {
		return "", domain.ErrQuizNotFound
	}
	question := quiz.Questions[questionIndex]
	if s.generator != nil {
		text, err := s.generator.Explain(ctx, question, userAnswer)
		if err == nil && text != "" {
			return text, nil
		}
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("explanation generator failed")
		}
	}
	if question.Explanation != "" {
		return question.Explanation, nil
	}
	return "explanation unavailable", nil
}

// Results returns the current scoreboard, ranked by score with first-seen
// tie breaking.
func (s *GameService) Results(ctx context.Context, sessionID string) (domain.Leaderboard, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return domain.Leaderboard{
		SessionID: session.ID,
		QuizID:    session.QuizID,
		Status:    session.Status,
		Entries:   domain.Rank(session.Players),
	}, nil
}

// Profile aggregates the actor's game history, newest first.
func (s *GameService) Profile(ctx context.Context, actor domain.Identity) (domain.Profile, error) {
	if actor.UID == "" {
		return domain.Profile{}, domain.ErrUnauthorized
	}
	entries, err := s.history.ListByUser(ctx, actor.UID)
	if err != nil {
		return domain.Profile{}, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PlayedAt.After(entries[j].PlayedAt)
	})
	profile := domain.Profile{History: entries, TotalGames: len(entries)}
	for _, e := range entries {
		profile.TotalScore += e.Score
	}
	if profile.TotalGames > 0 {
		profile.AvgScore = int(math.Round(float64(profile.TotalScore) / float64(profile.TotalGames)))
	}
	return profile, nil
}

// Subscribe streams full session snapshots to the caller.
func (s *GameService) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Session, func(), error) {
	return s.sessions.Subscribe(ctx, sessionID)
}

// ResumeActiveSessions restarts progression runners for sessions that were
// active when the process last stopped.
func (s *GameService) ResumeActiveSessions(ctx context.Context) error {
	sessions, err := s.sessions.ListByStatus(ctx, domain.StatusActive)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		log.Info().Str("session_id", session.ID).Msg("resuming active session")
		s.startRunner(session.ID)
	}
	return nil
}

func newPlayer(actor domain.Identity, now time.Time, order int) domain.PlayerState {
	name := actor.DisplayName
	if name == "" {
		name = "Anonymous"
	}
	return domain.PlayerState{
		Name:            name,
		LastAnswerIndex: -1,
		JoinedAt:        now,
		JoinOrder:       order,
	}
}
