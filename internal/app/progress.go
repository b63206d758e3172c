package app

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-arena-service/internal/domain"
)

// progressRunner drives question progression for one active session on the
// host's behalf. It is a pure observer of session snapshots plus the local
// clock; every transition it issues is compare-and-set against the index it
// observed, so a stale fire is a no-op rather than a double advance.
//
// Two triggers per question index:
//   - the 30s deadline derived from QuestionStartTime;
//   - all players having answered the current question, debounced by a 2s
//     grace so the last answer's result is visible before the advance. The
//     pending grace advance is cancelled whenever a snapshot invalidates it
//     (index moved, or a newly joined player has not answered).
type progressRunner struct {
	svc       *GameService
	sessionID string
	clock     clockwork.Clock
	done      chan struct{}
}

// startRunner launches a runner for the session if one is not already live.
func (s *GameService) startRunner(sessionID string) {
	s.runnersMu.Lock()
	defer s.runnersMu.Unlock()
	if _, ok := s.runners[sessionID]; ok {
		return
	}
	r := &progressRunner{
		svc:       s,
		sessionID: sessionID,
		clock:     s.clock,
		done:      make(chan struct{}),
	}
	s.runners[sessionID] = r
	go r.run(s.baseCtx)
}

func (s *GameService) removeRunner(sessionID string) {
	s.runnersMu.Lock()
	delete(s.runners, sessionID)
	s.runnersMu.Unlock()
}

func (r *progressRunner) run(ctx context.Context) {
	defer close(r.done)
	defer r.svc.removeRunner(r.sessionID)

	snapshots, cancel, err := r.svc.sessions.Subscribe(ctx, r.sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", r.sessionID).Msg("runner subscribe failed")
		return
	}
	defer cancel()

	curIndex := -1
	var deadline, grace clockwork.Timer
	var deadlineC, graceC <-chan time.Time

	stopTimer := func(t clockwork.Timer) {
		if t == nil {
			return
		}
		if !t.Stop() {
			select {
			case <-t.Chan():
			default:
			}
		}
	}
	defer func() {
		stopTimer(deadline)
		stopTimer(grace)
	}()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if snap.Status == domain.StatusCompleted {
				return
			}
			if snap.Status != domain.StatusActive {
				continue
			}
			if snap.CurrentQuestionIndex != curIndex {
				curIndex = snap.CurrentQuestionIndex
				stopTimer(deadline)
				stopTimer(grace)
				grace, graceC = nil, nil
				d := snap.QuestionStartTime.Add(domain.QuestionDuration).Sub(r.clock.Now())
				if d < 0 {
					d = 0
				}
				deadline = r.clock.NewTimer(d)
				deadlineC = deadline.Chan()
			}
			if snap.AllAnswered() {
				if grace == nil {
					grace = r.clock.NewTimer(domain.AllAnsweredGrace)
					graceC = grace.Chan()
				}
			} else if grace != nil {
				// A new player joined (or the snapshot regressed); cancel the
				// pending advance and wait for the condition to hold again.
				stopTimer(grace)
				grace, graceC = nil, nil
			}

		case <-deadlineC:
			deadline, deadlineC = nil, nil
			r.fire(ctx, curIndex, "deadline")

		case <-graceC:
			grace, graceC = nil, nil
			r.fire(ctx, curIndex, "all answered")

		case <-ctx.Done():
			return
		}
	}
}

func (r *progressRunner) fire(ctx context.Context, fromIndex int, trigger string) {
	log.Debug().Str("session_id", r.sessionID).Int("from_index", fromIndex).Str("trigger", trigger).Msg("advancing question")
	if err := r.svc.advance(ctx, r.sessionID, fromIndex); err != nil {
		log.Error().Err(err).Str("session_id", r.sessionID).Msg("advance failed")
	}
}
