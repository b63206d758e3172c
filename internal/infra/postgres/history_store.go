package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-arena-service/internal/domain"
)

// HistoryStore appends completed-game records. The (session_id, user_id)
// primary key turns the at-least-once completion side effect into an
// effectively-once write.
type HistoryStore struct {
	pool *pgxpool.Pool
}

func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

func (s *HistoryStore) Append(ctx context.Context, entry domain.HistoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO history (session_id, user_id, quiz_id, topic, score, played_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, user_id) DO NOTHING`,
		entry.SessionID, entry.UserID, entry.QuizID, entry.Topic, entry.Score, entry.PlayedAt)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *HistoryStore) ListByUser(ctx context.Context, userID string) ([]domain.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, user_id, quiz_id, topic, score, played_at
		 FROM history WHERE user_id=$1 ORDER BY played_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.SessionID, &e.UserID, &e.QuizID, &e.Topic, &e.Score, &e.PlayedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
