// Package progress aggregates sync telemetry events and fans them out to
// registered sinks without blocking the sync path.
package progress

import (
	"fmt"
	"time"
)

// Stage identifies the pipeline step an event describes.
type Stage string

// Stages emitted by the sync engine.
const (
	StageCycleStart  Stage = "cycle_start"
	StageCycleDone   Stage = "cycle_done"
	StagePageFetched Stage = "page_fetched"
	StageBatchMerged Stage = "batch_merged"
	StageEntityError Stage = "entity_error"
)

// Event is one telemetry sample. Only the fields relevant to the stage are
// populated; Records/Cumulative describe fetch progress, the count triple
// describes a merge outcome.
type Event struct {
	Stage      Stage
	Entity     string
	Records    int
	Cumulative int
	Inserted   int64
	Updated    int64
	Skipped    int64
	Dur        time.Duration
	Result     string
	Note       string
	At         time.Time
}

// Validate rejects events that no sink could attribute.
func (e Event) Validate() error {
	if e.Stage == "" {
		return fmt.Errorf("event stage is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone:
		return nil
	case StagePageFetched, StageBatchMerged, StageEntityError:
		if e.Entity == "" {
			return fmt.Errorf("event stage %s requires an entity", e.Stage)
		}
		return nil
	default:
		return fmt.Errorf("unknown event stage %q", e.Stage)
	}
}
