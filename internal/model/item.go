package model

import (
	"time"
)

// Stage names one step of the pipeline. Each stage owns a status column on
// every item.
type Stage string

const (
	StageCollect     Stage = "collect"
	StageClassify    Stage = "classify"
	StageExtractText Stage = "extract_text"
	StageTarget      Stage = "target"
	StageDeliver     Stage = "deliver"
)

// Stages lists every stage in the fixed order a pass drives them.
var Stages = []Stage{StageCollect, StageClassify, StageExtractText, StageTarget, StageDeliver}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// ParseStage converts a CLI/config string into a Stage.
func ParseStage(s string) (Stage, bool) {
	st := Stage(s)
	return st, st.Valid()
}

// Status is the per-stage processing status of an item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every status value.
var Statuses = []Status{StatusPending, StatusInProgress, StatusDone, StatusFailed}

// CanTransition reports whether from -> to is a legal orchestrator move.
// Operator resets (requeue, stall reconciliation) do not go through here.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusDone || to == StatusFailed
	default:
		return false
	}
}

// Relevance is the outcome of the relevance classifier.
type Relevance string

const (
	RelevanceInteresting    Relevance = "INTERESTING"
	RelevanceNotInteresting Relevance = "NOT_INTERESTING"
)

// DeliveryOutcome records how the last delivery attempt ended.
type DeliveryOutcome string

const (
	DeliverySent         DeliveryOutcome = "SENT"
	DeliveryChatRejected DeliveryOutcome = "CHAT_REJECTED"
	DeliveryHTTPError    DeliveryOutcome = "HTTP_ERROR"
)

// StageState is the status bookkeeping of one stage on one item.
type StageState struct {
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
	Error     string    `json:"error,omitempty"`
}

// Item is the unit of work: one discovered article keyed by its final URL.
type Item struct {
	Key                string           `json:"key"`
	SourceLabel        string           `json:"source_label"`
	RawLink            string           `json:"raw_link,omitempty"`
	Title              string           `json:"title"`
	Summary            string           `json:"summary"`
	RawText            *string          `json:"raw_text,omitempty"`
	Relevance          *Relevance       `json:"relevance,omitempty"`
	RelevanceLabel     *string          `json:"relevance_label,omitempty"`
	ClassifierResponse *string          `json:"classifier_response,omitempty"`
	IsTarget           *bool            `json:"is_target,omitempty"`
	TargetRationale    *string          `json:"target_rationale,omitempty"`
	DeliveryOutcome    *DeliveryOutcome `json:"delivery_outcome,omitempty"`

	States map[Stage]StageState `json:"states"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status returns the item's status for stage, PENDING when unknown.
func (it *Item) Status(stage Stage) Status {
	if st, ok := it.States[stage]; ok && st.Status != "" {
		return st.Status
	}
	return StatusPending
}

// NewCollectedItem builds an item ready for insertion: collect is DONE and
// every later stage is PENDING.
func NewCollectedItem(c Candidate, now time.Time) Item {
	states := make(map[Stage]StageState, len(Stages))
	for _, st := range Stages {
		states[st] = StageState{Status: StatusPending, ChangedAt: now}
	}
	states[StageCollect] = StageState{Status: StatusDone, ChangedAt: now}
	return Item{
		Key:         c.Key,
		SourceLabel: c.SourceLabel,
		RawLink:     c.RawLink,
		Title:       c.Title,
		Summary:     c.Summary,
		States:      states,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ItemUpdate carries the optional field changes applied together with a
// status transition. Nil fields are left untouched.
type ItemUpdate struct {
	RawText            *string
	Relevance          *Relevance
	RelevanceLabel     *string
	ClassifierResponse *string
	IsTarget           *bool
	TargetRationale    *string
	DeliveryOutcome    *DeliveryOutcome
	Error              *string
}

// Empty reports whether u changes nothing.
func (u ItemUpdate) Empty() bool {
	return u.RawText == nil && u.Relevance == nil && u.RelevanceLabel == nil &&
		u.ClassifierResponse == nil && u.IsTarget == nil && u.TargetRationale == nil &&
		u.DeliveryOutcome == nil && u.Error == nil
}

// Candidate is a pre-persistence discovery pulled from a feed. Key is empty
// until the link has been resolved to its final destination.
type Candidate struct {
	SourceLabel string
	RawLink     string
	Title       string
	Summary     string
	Key         string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
