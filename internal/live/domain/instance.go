package domain

import "time"

// QuestionInstance scopes one question version to one session block. It is
// the unit that collects responses while its block is active.
type QuestionInstance struct {
	ID         string
	QuestionID string
	Version    int

	// Denormalized question metadata, immutable after creation.
	Kind        QuestionKind
	ChoiceCount int      // number of choices for SC/MC kinds
	Min         *float64 // lower bound for FREE_RANGE, nil when unbounded
	Max         *float64 // upper bound for FREE_RANGE, nil when unbounded

	IsOpen    bool
	Responses []Response // durable fallback, written only in degraded mode
	Results   *Results   // nil while live results sit in the cache
}

// Response is one participant submission against an open instance.
type Response struct {
	Choices []int    // selected indices for SC/MC
	Text    string   // free text for FREE
	Value   *float64 // numeric value for FREE_RANGE
}

// Results is the durable aggregation snapshot for one instance.
type Results struct {
	Choices           []int                 // per-choice counts for SC/MC
	Free              map[string]FreeBucket // content-keyed buckets for FREE kinds
	TotalParticipants int
}

// FreeBucket is one deduplicated free-form answer bucket.
type FreeBucket struct {
	Count int
	Value string // first-seen literal, kept for display
}

// ConfusionTimeStep is one confusion barometer reading.
type ConfusionTimeStep struct {
	Difficulty int
	Speed      int
	CreatedAt  time.Time
}

// Feedback is one entry in the session feedback channel.
type Feedback struct {
	ID        string
	Content   string
	Votes     int
	CreatedAt time.Time
}
