package domain

import (
	"sort"
	"time"
)

// SessionStatus is the lifecycle phase of a quiz session.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Question models a single MCQ. Answer matches one entry of Options exactly.
// Text may embed fenced (```) or inline (`) code spans; they are opaque here
// and rendered by clients.
type Question struct {
	Text        string   `json:"text"`
	Options     []string `json:"options"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
}

// Quiz is an immutable, ordered set of questions on a topic.
type Quiz struct {
	ID          string     `json:"id"`
	Topic       string     `json:"topic"`
	Questions   []Question `json:"questions"`
	CreatedBy   string     `json:"createdBy"`
	CreatorName string     `json:"creatorName,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// PlayerState is the per-player subtree of a session. Each player is the sole
// writer of their own entry.
type PlayerState struct {
	Name           string         `json:"name"`
	Score          int            `json:"score"`
	CorrectAnswers int            `json:"correctAnswers"`
	// LastAnswerIndex is the highest question index this player has answered,
	// -1 before any answer. It doubles as the submission marker for the
	// all-answered progression trigger.
	LastAnswerIndex int            `json:"lastAnswerIndex"`
	Answers         map[int]string `json:"answers,omitempty"`
	JoinedAt        time.Time      `json:"joinedAt"`
	// JoinOrder is the insertion rank of the player within the session; it
	// breaks score ties on the final leaderboard (first seen wins).
	JoinOrder int `json:"joinOrder"`
}

// Session is one live instance of a quiz being played. The host owns Status,
// CurrentQuestionIndex and QuestionStartTime; each player owns their own
// Players entry. Nobody owns the whole document.
type Session struct {
	ID                   string                 `json:"id"`
	QuizID               string                 `json:"quizId"`
	HostID               string                 `json:"hostId"`
	Status               SessionStatus          `json:"status"`
	CurrentQuestionIndex int                    `json:"currentQuestionIndex"`
	QuestionStartTime    time.Time              `json:"questionStartTime"`
	Players              map[string]PlayerState `json:"players"`
	CreatedAt            time.Time              `json:"createdAt"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (s Session) Clone() Session {
	out := s
	out.Players = make(map[string]PlayerState, len(s.Players))
	for uid, p := range s.Players {
		cp := p
		if p.Answers != nil {
			cp.Answers = make(map[int]string, len(p.Answers))
			for idx, opt := range p.Answers {
				cp.Answers[idx] = opt
			}
		}
		out.Players[uid] = cp
	}
	return out
}

// AllAnswered reports whether every joined player has answered the current
// question. False for an empty player set.
func (s Session) AllAnswered() bool {
	if len(s.Players) == 0 {
		return false
	}
	for _, p := range s.Players {
		if p.LastAnswerIndex < s.CurrentQuestionIndex {
			return false
		}
	}
	return true
}

// IsHost reports whether uid drives this session's transitions.
func (s Session) IsHost(uid string) bool {
	return uid != "" && s.HostID == uid
}

// Transition is a compare-and-set phase/index change. Stores reject it with
// ErrStaleTransition when the session no longer matches the From fields.
type Transition struct {
	FromStatus SessionStatus
	FromIndex  int
	ToStatus   SessionStatus
	ToIndex    int
	StartTime  time.Time
}

// AnswerRecord is an accepted-or-rejected ledger write for one player and one
// question index.
type AnswerRecord struct {
	QuestionIndex int
	Option        string
	Correct       bool
	Points        int
	SubmittedAt   time.Time
}

// AnswerResult summarizes a submission outcome for the submitting player.
type AnswerResult struct {
	QuestionIndex int    `json:"questionIndex"`
	Accepted      bool   `json:"accepted"`
	Correct       bool   `json:"correct"`
	Awarded       int    `json:"awarded"`
	TotalScore    int    `json:"totalScore"`
}

// HistoryEntry is appended to a player's record when a session completes.
// (SessionID, UserID) is the dedup key: appending the same pair twice is a
// no-op.
type HistoryEntry struct {
	SessionID string    `json:"sessionId"`
	QuizID    string    `json:"quizId"`
	UserID    string    `json:"userId"`
	Topic     string    `json:"topic"`
	Score     int       `json:"score"`
	PlayedAt  time.Time `json:"date"`
}

// Profile aggregates a player's history for display.
type Profile struct {
	TotalGames int            `json:"totalGames"`
	TotalScore int            `json:"totalScore"`
	AvgScore   int            `json:"avgScore"`
	History    []HistoryEntry `json:"history"`
}

// Identity is the authenticated actor as reported by the identity provider.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// LeaderboardEntry is one ranked row of the session scoreboard.
type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	UserID         string `json:"userId"`
	Name           string `json:"name"`
	Score          int    `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
}

// Leaderboard is the ordered scoreboard for a session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	QuizID    string             `json:"quizId"`
	Status    SessionStatus      `json:"status"`
	Entries   []LeaderboardEntry `json:"entries"`
}

// Rank orders players by score descending. Ties keep join order, so the
// first-seen player wins rank among equals.
func Rank(players map[string]PlayerState) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(players))
	for uid, p := range players {
		entries = append(entries, LeaderboardEntry{
			UserID:         uid,
			Name:           p.Name,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers,
		})
	}
	order := make(map[string]int, len(players))
	for uid, p := range players {
		order[uid] = p.JoinOrder
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return order[entries[i].UserID] < order[entries[j].UserID]
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
