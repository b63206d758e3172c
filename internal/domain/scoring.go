package domain

import (
	"math"
	"time"
)

const (
	// QuestionDuration is the answer window for every question.
	QuestionDuration = 30 * time.Second
	// MaxPoints is the score for an instant correct answer.
	MaxPoints = 10
	// AllAnsweredGrace delays the all-answered advance so players see their
	// result before the next question lands.
	AllAnsweredGrace = 2 * time.Second

	// secondsPerTier coarsens the speed reward into ten 3-second tiers so
	// clock-sync noise does not reorder scores.
	secondsPerTier = 3
)

// Score converts correctness and response latency into points. Wrong answers
// score 0. Correct answers score ceil(remaining/3) where remaining is the time
// left in the 30s window at submission, giving an integer in [0, 10]. A
// submission at or past the deadline scores 0; that path is unreachable
// through a well-behaved client but handled anyway.
func Score(correct bool, questionStart, submitted time.Time) int {
	if !correct {
		return 0
	}
	remaining := QuestionDuration - submitted.Sub(questionStart)
	if remaining <= 0 {
		return 0
	}
	if remaining > QuestionDuration {
		remaining = QuestionDuration
	}
	points := int(math.Ceil(remaining.Seconds() / secondsPerTier))
	if points > MaxPoints {
		points = MaxPoints
	}
	return points
}
