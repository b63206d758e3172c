package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-arena-service/internal/domain"
)

// SessionStore keeps each session as a Redis hash. Host-owned fields (status,
// index, question start) and every player's subtree (one JSON field per
// player) live at disjoint hash fields, so concurrent writers commute.
// Phase/index changes and ledger writes run under WATCH so a stale writer
// loses cleanly instead of clobbering. Every committed write publishes on the
// session's event channel; subscribers re-read the full document per event,
// which gives the snapshot-on-change contract across processes.
type SessionStore struct {
	client *redis.Client
}

const (
	fieldQuizID    = "quizId"
	fieldHostID    = "hostId"
	fieldStatus    = "status"
	fieldIndex     = "index"
	fieldStart     = "start"
	fieldCreatedAt = "createdAt"
	playerPrefix   = "player:"

	indexKey = "arena:sessions"

	txRetries = 8
)

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) Create(ctx context.Context, session domain.Session) error {
	key := sessionKey(session.ID)

	created, err := s.client.HSetNX(ctx, key, fieldStatus, string(session.Status)).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !created {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	fields := map[string]interface{}{
		fieldQuizID:    session.QuizID,
		fieldHostID:    session.HostID,
		fieldIndex:     session.CurrentQuestionIndex,
		fieldStart:     unixMilli(session.QuestionStartTime),
		fieldCreatedAt: unixMilli(session.CreatedAt),
	}
	for uid, player := range session.Players {
		data, err := json.Marshal(player)
		if err != nil {
			return fmt.Errorf("marshal player: %w", err)
		}
		fields[playerPrefix+uid] = data
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, indexKey, session.ID)
	pipe.Publish(ctx, eventChannel(session.ID), "update")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	raw, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	if len(raw) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return parseSession(sessionID, raw)
}

func (s *SessionStore) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []domain.Session
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err == domain.ErrSessionNotFound {
			// Expired or deleted; drop the dangling index entry.
			_ = s.client.SRem(ctx, indexKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.Status == status {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *SessionStore) AddPlayer(ctx context.Context, sessionID, userID string, player domain.PlayerState) (domain.Session, error) {
	key := sessionKey(sessionID)
	field := playerPrefix + userID

	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return domain.ErrSessionNotFound
		}
		if _, ok := raw[field]; ok {
			return nil
		}
		// JoinOrder mirrors the number of players already present; the WATCH
		// keeps it stable under concurrent joins.
		player.JoinOrder = countPlayers(raw)
		data, err := json.Marshal(player)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, data)
			pipe.Publish(ctx, eventChannel(sessionID), "update")
			return nil
		})
		return err
	})
	if err != nil {
		return domain.Session{}, err
	}
	return s.Get(ctx, sessionID)
}

func (s *SessionStore) RecordAnswer(ctx context.Context, sessionID, userID string, rec domain.AnswerRecord) (domain.Session, bool, error) {
	key := sessionKey(sessionID)
	field := playerPrefix + userID
	accepted := false

	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		accepted = false
		data, err := tx.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			exists, existsErr := tx.Exists(ctx, key).Result()
			if existsErr != nil {
				return existsErr
			}
			if exists == 0 {
				return domain.ErrSessionNotFound
			}
			return domain.ErrPlayerNotFound
		}
		if err != nil {
			return err
		}
		var player domain.PlayerState
		if err := json.Unmarshal([]byte(data), &player); err != nil {
			return fmt.Errorf("unmarshal player: %w", err)
		}
		if player.LastAnswerIndex >= rec.QuestionIndex {
			return nil
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

		updated, err := json.Marshal(player)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, updated)
			pipe.Publish(ctx, eventChannel(sessionID), "update")
			return nil
		})
		if err == nil {
			accepted = true
		}
		return err
	})
	if err != nil {
		return domain.Session{}, false, err
	}
	session, err := s.Get(ctx, sessionID)
	return session, accepted, err
}

func (s *SessionStore) Transition(ctx context.Context, sessionID string, tr domain.Transition) (domain.Session, error) {
	key := sessionKey(sessionID)

	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldStatus, fieldIndex).Result()
		if err != nil {
			return err
		}
		status, _ := vals[0].(string)
		if status == "" {
			return domain.ErrSessionNotFound
		}
		index := 0
		if raw, ok := vals[1].(string); ok {
			index, _ = strconv.Atoi(raw)
		}
		if domain.SessionStatus(status) != tr.FromStatus || index != tr.FromIndex {
			return domain.ErrStaleTransition
		}

		fields := map[string]interface{}{
			fieldStatus: string(tr.ToStatus),
			fieldIndex:  tr.ToIndex,
		}
		if !tr.StartTime.IsZero() {
			fields[fieldStart] = unixMilli(tr.StartTime)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.Publish(ctx, eventChannel(sessionID), "update")
			return nil
		})
		return err
	})
	if err != nil {
		return domain.Session{}, err
	}
	return s.Get(ctx, sessionID)
}

func (s *SessionStore) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Session, func(), error) {
	initial, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	pubsub := s.client.Subscribe(ctx, eventChannel(sessionID))
	ch := make(chan domain.Session, 8)
	ch <- initial

	go func() {
		defer close(ch)
		for range pubsub.Channel() {
			snap, err := s.Get(context.Background(), sessionID)
			if err != nil {
				continue
			}
			select {
			case ch <- snap:
			default:
				// Drop the oldest queued snapshot; only the latest matters.
				select {
				case <-ch:
				default:
				}
				ch <- snap
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return ch, cancel, nil
}

// watch runs fn under optimistic locking, retrying when another writer
// invalidates the watched key mid-transaction.
func (s *SessionStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < txRetries; i++ {
		err = s.client.Watch(ctx, fn, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return err
}

func parseSession(sessionID string, raw map[string]string) (domain.Session, error) {
	session := domain.Session{
		ID:      sessionID,
		QuizID:  raw[fieldQuizID],
		HostID:  raw[fieldHostID],
		Status:  domain.SessionStatus(raw[fieldStatus]),
		Players: make(map[string]domain.PlayerState),
	}
	if v := raw[fieldIndex]; v != "" {
		index, err := strconv.Atoi(v)
		if err != nil {
			return domain.Session{}, fmt.Errorf("parse session index: %w", err)
		}
		session.CurrentQuestionIndex = index
	}
	session.QuestionStartTime = fromUnixMilli(raw[fieldStart])
	session.CreatedAt = fromUnixMilli(raw[fieldCreatedAt])

	for field, value := range raw {
		if !strings.HasPrefix(field, playerPrefix) {
			continue
		}
		var player domain.PlayerState
		if err := json.Unmarshal([]byte(value), &player); err != nil {
			return domain.Session{}, fmt.Errorf("unmarshal player %s: %w", field, err)
		}
		session.Players[strings.TrimPrefix(field, playerPrefix)] = player
	}
	return session, nil
}

func countPlayers(raw map[string]string) int {
	count := 0
	for field := range raw {
		if strings.HasPrefix(field, playerPrefix) {
			count++
		}
	}
	return count
}

func sessionKey(sessionID string) string {
	return "arena:session:" + sessionID
}

func eventChannel(sessionID string) string {
	return "arena:session:" + sessionID + ":events"
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
