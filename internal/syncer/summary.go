package syncer

import (
	"time"

	"github.com/fieldworks/assistsync/internal/exportapi"
)

// CycleStatus is the aggregate outcome of one sync cycle.
type CycleStatus string

const (
	// StatusSuccess means every entity synced and advanced its watermark.
	StatusSuccess CycleStatus = "success"
	// StatusPartialFailure means at least one entity failed while others
	// completed.
	StatusPartialFailure CycleStatus = "partial_failure"
	// StatusFailed means no entity completed.
	StatusFailed CycleStatus = "failed"
)

// EntityResult is the per-entity outcome of one cycle.
type EntityResult struct {
	Entity   string
	Window   exportapi.Window
	Pages    int
	Fetched  int
	Inserted int
	Updated  int
	Skipped  int
	Dur      time.Duration
	Err      error
}

// RunSummary aggregates one cycle.
type RunSummary struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     CycleStatus
	Entities   []EntityResult
}

func (s RunSummary) computeStatus() CycleStatus {
	failed := 0
	for _, e := range s.Entities {
		if e.Err != nil {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case failed == len(s.Entities):
		return StatusFailed
	default:
		return StatusPartialFailure
	}
}

// Inserted totals inserted rows across entities.
func (s RunSummary) Inserted() int {
	n := 0
	for _, e := range s.Entities {
		n += e.Inserted
	}
	return n
}

// Updated totals updated rows across entities.
func (s RunSummary) Updated() int {
	n := 0
	for _, e := range s.Entities {
		n += e.Updated
	}
	return n
}

// Skipped totals records excluded by normalization across entities.
func (s RunSummary) Skipped() int {
	n := 0
	for _, e := range s.Entities {
		n += e.Skipped
	}
	return n
}

// Failed lists the entities that did not complete.
func (s RunSummary) Failed() []EntityResult {
	var out []EntityResult
	for _, e := range s.Entities {
		if e.Err != nil {
			out = append(out, e)
		}
	}
	return out
}
