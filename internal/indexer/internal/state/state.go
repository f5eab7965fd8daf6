// Package state persists the cycle state of one indexer and carries priority requests and
// followup staging between indexers.
//
// Everything lives in metadata documents of the search index:
//
//	<title>               the CycleState of the indexer
//	<title>_priority      an out-of-band reindex request
//	staged_for_<title>    keys staged by a preceding indexer for this one
//	indexing              the summary of the last recorded cycle
package state

import (
	"fmt"
	"time"

	"github.com/syntrixbase/indexsync/pkg/model"
)

// Phase is the position of a cycle in its lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCollecting Phase = "collecting"
	PhaseInProgress Phase = "in_progress"
	PhaseFinished   Phase = "finished"
)

func (p Phase) rank() int {
	switch p {
	case PhaseCollecting:
		return 1
	case PhaseInProgress:
		return 2
	case PhaseFinished:
		return 3
	default:
		return 0
	}
}

// CanMoveTo reports whether the transition keeps the phase moving forward. Finished may
// only move back to idle.
func (p Phase) CanMoveTo(next Phase) bool {
	if p == PhaseFinished {
		return next == PhaseIdle
	}
	return next.rank() > p.rank()
}

// CycleState is the persisted record of the current or last cycle.
type CycleState struct {
	Title   string `json:"title"`
	Phase   Phase  `json:"status"`
	CycleID string `json:"cycle_id,omitempty"`
	// Cycles counts completed cycles.
	Cycles int `json:"cycles"`

	// Watermark stamps every document written in the cycle.
	Watermark int64 `json:"xmin"`
	// LastWatermark is the log read frontier; nil before the first completed cycle.
	LastWatermark *int64 `json:"last_xmin,omitempty"`
	// TargetWatermark becomes LastWatermark when the cycle finishes. Zero keeps it.
	TargetWatermark int64 `json:"target_xmin,omitempty"`

	TxnCount    int  `json:"txn_count"`
	Invalidated int  `json:"invalidated"`
	Referencing int  `json:"referencing"`
	Indexed     int  `json:"indexed"`
	FullReindex bool `json:"full_reindex,omitempty"`
	Priority    bool `json:"priority,omitempty"`

	Errors     []model.KeyError `json:"errors,omitempty"`
	ErrorCount int              `json:"error_count"`

	Followups         []string   `json:"followups,omitempty"`
	Types             []string   `json:"types,omitempty"`
	FirstTxnTimestamp *time.Time `json:"first_txn_timestamp,omitempty"`
	StartedAt         time.Time  `json:"cycle_started,omitempty"`
	FinishedAt        time.Time  `json:"cycle_finished,omitempty"`
}

// Fresh returns an idle state for title.
func Fresh(title string, followups []string) *CycleState {
	return &CycleState{Title: title, Phase: PhaseIdle, Followups: followups}
}

// MoveTo advances the phase.
func (s *CycleState) MoveTo(next Phase) error {
	if !s.Phase.CanMoveTo(next) {
		return fmt.Errorf("invalid cycle phase transition %s -> %s", s.Phase, next)
	}
	s.Phase = next
	return nil
}

// Reset prepares a finished or idle state for the next cycle, keeping the watermark
// frontier and the completed cycle count.
func (s *CycleState) Reset() {
	next := CycleState{
		Title:         s.Title,
		Phase:         PhaseIdle,
		Cycles:        s.Cycles,
		LastWatermark: s.LastWatermark,
		Followups:     s.Followups,
	}
	*s = next
}

// Summary is the structured outcome of one pass, written to the indexing document when
// recording is requested.
type Summary struct {
	Title         string           `json:"title"`
	Watermark     int64            `json:"xmin"`
	LastWatermark *int64           `json:"last_xmin,omitempty"`
	TxnCount      int              `json:"txn_count"`
	Invalidated   int              `json:"invalidated"`
	Referencing   int              `json:"referencing"`
	Indexed       int              `json:"indexed"`
	FullReindex   bool             `json:"full_reindex,omitempty"`
	Types         []string         `json:"types,omitempty"`
	Elapsed       string           `json:"elapsed,omitempty"`
	TxnLag        string           `json:"txn_lag,omitempty"`
	Errors        []model.KeyError `json:"errors,omitempty"`
	ErrorNotice   string           `json:"error_notice,omitempty"`
	Timestamp     time.Time        `json:"indexing_finished"`
}

// PriorityRequest is an out-of-band request consumed ahead of the log scan.
type PriorityRequest struct {
	// Watermark is the version staged by a preceding indexer. Zero means the cycle
	// determines its own watermark.
	Watermark int64
	Keys      model.KeySet
	Restart   bool
}

// Empty reports whether the request carries nothing to do.
func (r PriorityRequest) Empty() bool {
	return len(r.Keys) == 0 && !r.Restart
}
