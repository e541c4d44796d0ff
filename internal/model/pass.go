package model

import "time"

// StageSummary counts what happened to a stage during one pass.
type StageSummary struct {
	Stage     Stage  `json:"stage"`
	Claimed   int64  `json:"claimed"`
	Done      int64  `json:"done"`
	Failed    int64  `json:"failed"`
	Conflicts int64  `json:"conflicts"`
	Skipped   int64  `json:"skipped"`
	Aborted   string `json:"aborted,omitempty"`

	// Ingestion counters, only set for the collect stage.
	Collect *CollectSummary `json:"collect,omitempty"`
}

// FailureRate is failed / (done + failed), 0 when nothing finished.
func (s StageSummary) FailureRate() float64 {
	finished := s.Done + s.Failed
	if finished == 0 {
		return 0
	}
	return float64(s.Failed) / float64(finished)
}

// CollectSummary counts the ingestion path's outcomes.
type CollectSummary struct {
	Feeds        int            `json:"feeds"`
	FeedFailures int            `json:"feed_failures"`
	Candidates   int            `json:"candidates"`
	Resolved     int            `json:"resolved"`
	Degraded     int            `json:"degraded"`
	Unresolved   int            `json:"unresolved"`
	Deferred     int            `json:"deferred"`
	Duplicates   int            `json:"duplicates"`
	Known        int            `json:"known"`
	Rejected     map[string]int `json:"rejected,omitempty"`
	Inserted     int            `json:"inserted"`
	// StoreFailures counts accepted candidates whose insert failed.
	StoreFailures int `json:"store_failures,omitempty"`
}

// PassRecord is the persisted summary of one pass.
type PassRecord struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Reset      int64          `json:"reset"`
	Stages     []StageSummary `json:"stages"`
}
