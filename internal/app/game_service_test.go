package app_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/infra/memory"
)

var (
	host   = domain.Identity{UID: "host-1", DisplayName: "Hana"}
	player = domain.Identity{UID: "player-1", DisplayName: "Pablo"}
	other  = domain.Identity{UID: "player-2", DisplayName: "Olga"}
)

func testQuiz() domain.Quiz {
	return domain.Quiz{
		Topic:     "Go",
		CreatedBy: host.UID,
		Questions: []domain.Question{
			{
				Text:    "Which keyword starts a goroutine?",
				Options: []string{"go", "run", "spawn", "async"},
				Answer:  "go",
			},
			{
				Text:        "What is the zero value of a slice?",
				Options:     []string{"nil", "[]", "0", "empty struct"},
				Answer:      "nil",
				Explanation: "An uninitialized slice is nil.",
			},
		},
	}
}

type fixture struct {
	svc     *app.GameService
	clock   *clockwork.FakeClock
	history *countingHistory
}

func newFixture(t *testing.T, generator app.QuizGenerator) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	history := &countingHistory{HistoryStore: memory.NewHistoryStore(), appends: make(map[string]int)}
	svc := app.NewGameServiceWithClock(
		memory.NewSessionStore(),
		memory.NewQuizStoreWith(map[string]domain.Quiz{"quiz-1": testQuiz()}),
		history,
		generator,
		clock,
	)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, clock: clock, history: history}
}

// countingHistory records how many times each (session, user) pair was
// appended, on top of the store's own dedup.
type countingHistory struct {
	*memory.HistoryStore
	appends map[string]int
}

func (h *countingHistory) Append(ctx context.Context, entry domain.HistoryEntry) error {
	h.appends[entry.SessionID+"/"+entry.UserID]++
	return h.HistoryStore.Append(ctx, entry)
}

type staticGenerator struct {
	questions []domain.Question
	err       error
}

func (g staticGenerator) GenerateQuiz(context.Context, string, int) ([]domain.Question, error) {
	return g.questions, g.err
}

func (g staticGenerator) Explain(context.Context, domain.Question, string) (string, error) {
	return "because", g.err
}

func TestCreateQuizGenerationFailureSavesNothing(t *testing.T) {
	f := newFixture(t, staticGenerator{err: fmt.Errorf("%w: upstream busy", domain.ErrGenerationFailed)})
	ctx := context.Background()

	before, _ := f.svc.ListQuizzes(ctx)
	if _, err := f.svc.CreateQuiz(ctx, host, "Go", 5); !errors.Is(err, domain.ErrGenerationFailed) {
		t.Fatalf("CreateQuiz error = %v, want ErrGenerationFailed", err)
	}
	after, _ := f.svc.ListQuizzes(ctx)
	if len(after) != len(before) {
		t.Fatalf("quiz count changed on failed generation: %d -> %d", len(before), len(after))
	}
}

func TestCreateQuizPersists(t *testing.T) {
	f := newFixture(t, staticGenerator{questions: testQuiz().Questions})
	ctx := context.Background()

	quiz, err := f.svc.CreateQuiz(ctx, host, "Go", 2)
	if err != nil {
		t.Fatalf("CreateQuiz: %v", err)
	}
	if quiz.ID == "" || quiz.CreatedBy != host.UID {
		t.Fatalf("unexpected quiz metadata: %+v", quiz)
	}

	quizzes, err := f.svc.ListQuizzes(ctx)
	if err != nil {
		t.Fatalf("ListQuizzes: %v", err)
	}
	if len(quizzes) != 2 {
		t.Fatalf("expected seeded + created quiz, got %d", len(quizzes))
	}
}

func TestDeleteQuizCreatorOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.DeleteQuiz(ctx, player, "quiz-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("DeleteQuiz by non-creator = %v, want ErrUnauthorized", err)
	}
	if err := f.svc.DeleteQuiz(ctx, host, "quiz-1"); err != nil {
		t.Fatalf("DeleteQuiz by creator: %v", err)
	}
}

func TestCreateSessionAutoJoinsHost(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, host, "quiz-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Status != domain.StatusWaiting {
		t.Fatalf("new session status = %s", session.Status)
	}
	p, ok := session.Players[host.UID]
	if !ok {
		t.Fatalf("host not joined")
	}
	if p.LastAnswerIndex != -1 || p.JoinOrder != 0 {
		t.Fatalf("host player state: %+v", p)
	}

	if _, err := f.svc.CreateSession(ctx, host, "missing"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("CreateSession with bad quiz = %v, want ErrQuizNotFound", err)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	first, err := f.svc.Join(ctx, player, session.ID)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	second, err := f.svc.Join(ctx, player, session.ID)
	if err != nil {
		t.Fatalf("repeat Join: %v", err)
	}
	if len(first.Players) != 2 || len(second.Players) != 2 {
		t.Fatalf("player counts: %d then %d, want 2", len(first.Players), len(second.Players))
	}
	if second.Players[player.UID].JoinOrder != first.Players[player.UID].JoinOrder {
		t.Fatalf("join order changed on repeat join")
	}
}

func TestCompletedSessionAcceptsNoNewPlayers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	if _, err := f.svc.Start(ctx, host, session.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Drive the session to completion: two questions, two advances.
	for i := 0; i < 2; i++ {
		if err := f.svc.Advance(ctx, host, session.ID); err != nil {
			t.Fatalf("Advance %d: %v", i, err)
		}
	}

	got, err := f.svc.Join(ctx, player, session.ID)
	if err != nil {
		t.Fatalf("Join completed session: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if _, ok := got.Players[player.UID]; ok {
		t.Fatalf("late joiner was added to completed session")
	}
}

func TestStartIsHostOnlyAndIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.svc.Join(ctx, player, session.ID)

	if _, err := f.svc.Start(ctx, player, session.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Start by player = %v, want ErrUnauthorized", err)
	}

	started, err := f.svc.Start(ctx, host, session.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != domain.StatusActive || started.CurrentQuestionIndex != 0 {
		t.Fatalf("after start: status=%s index=%d", started.Status, started.CurrentQuestionIndex)
	}
	if started.QuestionStartTime.IsZero() {
		t.Fatalf("question start time not set")
	}

	again, err := f.svc.Start(ctx, host, session.ID)
	if err != nil {
		t.Fatalf("repeat Start: %v", err)
	}
	if again.CurrentQuestionIndex != 0 || again.Status != domain.StatusActive {
		t.Fatalf("repeat start mutated session: %+v", again)
	}
}

func TestSubmitAnswerFirstSubmissionWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.svc.Join(ctx, player, session.ID)
	f.svc.Start(ctx, host, session.ID)

	res, err := f.svc.SubmitAnswer(ctx, player, session.ID, 0, "go")
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if !res.Accepted || !res.Correct || res.Awarded != domain.MaxPoints {
		t.Fatalf("first submission: %+v", res)
	}

	// A retry, even with a different option, must not change anything.
	retry, err := f.svc.SubmitAnswer(ctx, player, session.ID, 0, "spawn")
	if err != nil {
		t.Fatalf("retry SubmitAnswer: %v", err)
	}
	if retry.Accepted || retry.Awarded != 0 {
		t.Fatalf("retry was accepted: %+v", retry)
	}
	if retry.TotalScore != res.TotalScore {
		t.Fatalf("retry changed score: %d -> %d", res.TotalScore, retry.TotalScore)
	}
}

func TestSubmitAnswerScoring(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.svc.Join(ctx, player, session.ID)
	f.svc.Start(ctx, host, session.ID)

	// 7 seconds in: ceil(23/3) = 8 points.
	f.clock.Advance(7 * time.Second)
	res, err := f.svc.SubmitAnswer(ctx, player, session.ID, 0, "go")
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if res.Awarded != 8 {
		t.Fatalf("awarded %d, want 8", res.Awarded)
	}

	wrong, err := f.svc.SubmitAnswer(ctx, host, session.ID, 0, "async")
	if err != nil {
		t.Fatalf("SubmitAnswer wrong: %v", err)
	}
	if !wrong.Accepted || wrong.Correct || wrong.Awarded != 0 {
		t.Fatalf("wrong answer result: %+v", wrong)
	}
}

func TestSubmitAnswerForStaleQuestionIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.svc.Join(ctx, player, session.ID)
	f.svc.Start(ctx, host, session.ID)
	if err := f.svc.Advance(ctx, host, session.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	res, err := f.svc.SubmitAnswer(ctx, player, session.ID, 0, "go")
	if err != nil {
		t.Fatalf("stale SubmitAnswer: %v", err)
	}
	if res.Accepted || res.Awarded != 0 {
		t.Fatalf("stale submission accepted: %+v", res)
	}
}

func TestSubmitAnswerUnknownPlayer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.svc.Start(ctx, host, session.ID)

	if _, err := f.svc.SubmitAnswer(ctx, other, session.ID, 0, "go"); !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Fatalf("SubmitAnswer from stranger = %v, want ErrPlayerNotFound", err)
	}
}

func TestAdvanceIsHostOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.svc.Join(ctx, player, session.ID)
	f.svc.Start(ctx, host, session.ID)

	if err := f.svc.Advance(ctx, player, session.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Advance by player = %v, want ErrUnauthorized", err)
	}
}

func TestSessionCompletesOnceAndRecordsHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.svc.Join(ctx, player, session.ID)
	f.svc.Start(ctx, host, session.ID)

	f.svc.SubmitAnswer(ctx, host, session.ID, 0, "go")
	f.svc.SubmitAnswer(ctx, player, session.ID, 0, "run")

	for i := 0; i < 4; i++ {
		// Extra advances past the end must be no-ops.
		if err := f.svc.Advance(ctx, host, session.ID); err != nil {
			t.Fatalf("Advance %d: %v", i, err)
		}
	}

	got, err := f.svc.Results(ctx, session.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Entries[0].UserID != host.UID || got.Entries[0].Rank != 1 {
		t.Fatalf("leaderboard head: %+v", got.Entries[0])
	}

	for _, uid := range []string{host.UID, player.UID} {
		if n := f.history.appends[session.ID+"/"+uid]; n != 1 {
			t.Fatalf("history appends for %s = %d, want 1", uid, n)
		}
	}
}

func TestResultsRankWithTies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.svc.Join(ctx, player, session.ID)
	f.svc.Join(ctx, other, session.ID)
	f.svc.Start(ctx, host, session.ID)

	// Everyone answers correctly at the same instant, so all scores tie and
	// join order decides the ranking.
	f.svc.SubmitAnswer(ctx, other, session.ID, 0, "go")
	f.svc.SubmitAnswer(ctx, player, session.ID, 0, "go")
	f.svc.SubmitAnswer(ctx, host, session.ID, 0, "go")

	got, err := f.svc.Results(ctx, session.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	wantOrder := []string{host.UID, player.UID, other.UID}
	for i, uid := range wantOrder {
		if got.Entries[i].UserID != uid {
			t.Fatalf("rank %d = %s, want %s", i+1, got.Entries[i].UserID, uid)
		}
	}
}

func TestExplainFallsBackToStoredExplanation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	session, _ := f.svc.CreateSession(ctx, host, "quiz-1")

	text, err := f.svc.Explain(ctx, session.ID, 1, "[]")
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if text != "An uninitialized slice is nil." {
		t.Fatalf("explanation = %q", text)
	}

	text, err = f.svc.Explain(ctx, session.ID, 0, "go")
	if err != nil {
		t.Fatalf("Explain without stored text: %v", err)
	}
	if text != "explanation unavailable" {
		t.Fatalf("fallback explanation = %q", text)
	}
}

func TestProfileAggregatesHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	base := f.clock.Now()
	entries := []domain.HistoryEntry{
		{SessionID: "s1", QuizID: "quiz-1", UserID: player.UID, Topic: "Go", Score: 10, PlayedAt: base},
		{SessionID: "s2", QuizID: "quiz-1", UserID: player.UID, Topic: "Go", Score: 15, PlayedAt: base.Add(time.Hour)},
		{SessionID: "s3", QuizID: "quiz-1", UserID: other.UID, Topic: "Go", Score: 99, PlayedAt: base},
	}
	for _, e := range entries {
		if err := f.history.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	profile, err := f.svc.Profile(ctx, player)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.TotalGames != 2 || profile.TotalScore != 25 {
		t.Fatalf("profile totals: %+v", profile)
	}
	if profile.AvgScore != 13 {
		t.Fatalf("avg score = %d, want 13", profile.AvgScore)
	}
	if profile.History[0].SessionID != "s2" {
		t.Fatalf("history not newest first: %+v", profile.History)
	}
}

func TestListOpenSessionsNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, _ := f.svc.CreateSession(ctx, host, "quiz-1")
	f.clock.Advance(time.Minute)
	second, _ := f.svc.CreateSession(ctx, player, "quiz-1")
	f.svc.Start(ctx, player, second.ID)

	third, _ := f.svc.CreateSession(ctx, other, "quiz-1")

	open, err := f.svc.ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open sessions = %d, want 2", len(open))
	}
	if open[0].ID != third.ID || open[1].ID != first.ID {
		t.Fatalf("ordering: got %s, %s", open[0].ID, open[1].ID)
	}
}

func TestAnonymousActorRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.CreateSession(ctx, domain.Identity{}, "quiz-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("CreateSession without uid = %v, want ErrUnauthorized", err)
	}
	if _, err := f.svc.Profile(ctx, domain.Identity{}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Profile without uid = %v, want ErrUnauthorized", err)
	}
}
