package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldworks/assistsync/internal/checkpoint"
	"github.com/fieldworks/assistsync/internal/entity"
	"github.com/fieldworks/assistsync/internal/exportapi"
	"github.com/fieldworks/assistsync/internal/warehouse"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIter struct {
	pages []exportapi.Page
	err   error
	idx   int
	cur   exportapi.Page
}

func (it *fakeIter) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		it.err = ctx.Err()
		return false
	}
	if it.idx >= len(it.pages) {
		return false
	}
	it.cur = it.pages[it.idx]
	it.idx++
	return true
}

func (it *fakeIter) Page() exportapi.Page { return it.cur }
func (it *fakeIter) Cursor() string       { return it.cur.NextCursor }
func (it *fakeIter) Err() error           { return it.err }

type fakeSource struct {
	pages     map[string][]exportapi.Page
	iterErr   map[string]error
	gotCursor map[string]string
	gotWindow map[string]exportapi.Window
	openedFor []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:     map[string][]exportapi.Page{},
		iterErr:   map[string]error{},
		gotCursor: map[string]string{},
		gotWindow: map[string]exportapi.Window{},
	}
}

func (s *fakeSource) Pages(entityName string, window exportapi.Window, cursor string) PageIter {
	s.openedFor = append(s.openedFor, entityName)
	s.gotCursor[entityName] = cursor
	s.gotWindow[entityName] = window
	return &fakeIter{pages: s.pages[entityName], err: s.iterErr[entityName]}
}

// fakeMerger counts inserts vs updates against an in-memory key set, the same
// split a keyed upsert produces. failTimes makes an entity's merge fail with a
// connectivity error that many times before succeeding; failFor fails it on
// every attempt.
type fakeMerger struct {
	seen      map[string]map[string]bool
	batches   []entity.Batch
	failFor   map[string]error
	failTimes map[string]int
	calls     map[string]int
}

func newFakeMerger() *fakeMerger {
	return &fakeMerger{
		seen:      map[string]map[string]bool{},
		failFor:   map[string]error{},
		failTimes: map[string]int{},
		calls:     map[string]int{},
	}
}

func (m *fakeMerger) Merge(_ context.Context, batch entity.Batch) (warehouse.MergeResult, error) {
	m.calls[batch.Entity]++
	if n := m.failTimes[batch.Entity]; n > 0 {
		m.failTimes[batch.Entity] = n - 1
		return warehouse.MergeResult{}, &warehouse.ConnectivityError{Op: "upsert", Err: fmt.Errorf("connection reset")}
	}
	if err := m.failFor[batch.Entity]; err != nil {
		return warehouse.MergeResult{}, err
	}
	m.batches = append(m.batches, batch)
	keys := m.seen[batch.Entity]
	if keys == nil {
		keys = map[string]bool{}
		m.seen[batch.Entity] = keys
	}
	result := warehouse.MergeResult{Skipped: batch.Skipped}
	for _, row := range batch.Rows {
		if keys[row.Key] {
			result.Updated++
		} else {
			keys[row.Key] = true
			result.Inserted++
		}
	}
	return result, nil
}

type fakeCheckpoints struct {
	states   map[string]checkpoint.SyncState
	advanced map[string]time.Time
	cursors  map[string][]string
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{
		states:   map[string]checkpoint.SyncState{},
		advanced: map[string]time.Time{},
		cursors:  map[string][]string{},
	}
}

func (c *fakeCheckpoints) Get(entityName string) (checkpoint.SyncState, error) {
	state := c.states[entityName]
	state.Entity = entityName
	return state, nil
}

func (c *fakeCheckpoints) Advance(entityName string, watermark time.Time) error {
	state := c.states[entityName]
	if watermark.After(state.LastSyncedAt) {
		state.LastSyncedAt = watermark
		state.Cursor = ""
		c.states[entityName] = state
		c.advanced[entityName] = watermark
	}
	return nil
}

func (c *fakeCheckpoints) SetCursor(entityName, cursor string) error {
	state := c.states[entityName]
	state.Cursor = cursor
	c.states[entityName] = state
	c.cursors[entityName] = append(c.cursors[entityName], cursor)
	return nil
}

func (c *fakeCheckpoints) MarkInitialLoadDone(entityName string) error {
	state := c.states[entityName]
	state.InitialLoadDone = true
	c.states[entityName] = state
	return nil
}

func userRecords(from, n int) []entity.RawRecord {
	out := make([]entity.RawRecord, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, entity.RawRecord{"id": fmt.Sprintf("u%d", i)})
	}
	return out
}

var testNow = time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)

func newTestOrchestrator(source PageSource, merger Merger, checkpoints Checkpoints, cfg Config) *Orchestrator {
	return New(source, merger, checkpoints, &fakeClock{now: testNow}, nil, nil, cfg)
}

func TestRunCycleMergesPagesWithoutDuplicates(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	// 60 + 40 records with one key present on both pages.
	page1 := userRecords(0, 60)
	page2 := userRecords(59, 40)
	source.pages["users"] = []exportapi.Page{
		{Records: page1, NextCursor: "page2"},
		{Records: page2},
	}

	merger := newFakeMerger()
	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, merger, checkpoints, Config{Entities: []string{"users"}})

	summary, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, summary.Status)
	require.Len(t, summary.Entities, 1)

	result := summary.Entities[0]
	require.Equal(t, 100, result.Fetched)
	require.Equal(t, 99, result.Inserted)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 2, result.Pages)
	require.Len(t, merger.seen["users"], 99)

	require.Equal(t, testNow, checkpoints.advanced["users"])
	require.Empty(t, checkpoints.states["users"].Cursor)
}

func TestRunCycleIsIdempotentAcrossReruns(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.pages["users"] = []exportapi.Page{{Records: userRecords(0, 10)}}

	merger := newFakeMerger()
	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, merger, checkpoints, Config{Entities: []string{"users"}})

	first, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 10, first.Inserted())

	second, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, second.Inserted())
	require.Equal(t, 10, second.Updated())
	require.Len(t, merger.seen["users"], 10)
}

func TestRunCycleIsolatesEntityFailures(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.pages["users"] = []exportapi.Page{{Records: userRecords(0, 5)}}
	source.pages["conversations"] = []exportapi.Page{
		{Records: []entity.RawRecord{{"id": "c1"}}},
	}

	merger := newFakeMerger()
	merger.failFor["conversations"] = &warehouse.SchemaMismatchError{Entity: "conversations", Code: "42703", Err: fmt.Errorf("column missing")}

	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, merger, checkpoints, Config{Entities: []string{"conversations", "users"}})

	summary, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, StatusPartialFailure, summary.Status)

	require.Error(t, summary.Entities[0].Err)
	require.NoError(t, summary.Entities[1].Err)

	_, advanced := checkpoints.advanced["conversations"]
	require.False(t, advanced, "failed entity must not advance its watermark")
	require.Equal(t, testNow, checkpoints.advanced["users"])
}

func TestMergeIsRetriedAfterWarehouseConnectivityFailure(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.pages["users"] = []exportapi.Page{{Records: userRecords(0, 5)}}

	merger := newFakeMerger()
	merger.failTimes["users"] = 1

	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, merger, checkpoints, Config{
		Entities:            []string{"users"},
		MergeRetries:        2,
		MergeBackoffInitial: time.Millisecond,
		MergeBackoffMax:     2 * time.Millisecond,
	})

	summary, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, summary.Status)

	require.Equal(t, 2, merger.calls["users"], "merge must be reattempted after a connectivity failure")
	require.Equal(t, 5, summary.Entities[0].Inserted)
	require.Equal(t, testNow, checkpoints.advanced["users"])
}

func TestMergeConnectivityRetriesStopAtBound(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.pages["users"] = []exportapi.Page{{Records: userRecords(0, 5)}}

	merger := newFakeMerger()
	merger.failTimes["users"] = 10

	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, merger, checkpoints, Config{
		Entities:            []string{"users"},
		MergeRetries:        2,
		MergeBackoffInitial: time.Millisecond,
		MergeBackoffMax:     2 * time.Millisecond,
	})

	summary, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, summary.Status)

	// Initial attempt plus the two bounded retries, then the error escalates.
	require.Equal(t, 3, merger.calls["users"])
	var connErr *warehouse.ConnectivityError
	require.ErrorAs(t, summary.Entities[0].Err, &connErr)

	_, advanced := checkpoints.advanced["users"]
	require.False(t, advanced, "exhausted entity must not advance its watermark")
}

func TestRunCycleAbortsRemainingEntitiesOnAuthFailure(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.iterErr["conversations"] = &exportapi.AuthError{StatusCode: 401}
	source.pages["users"] = []exportapi.Page{{Records: userRecords(0, 5)}}

	merger := newFakeMerger()
	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, merger, checkpoints, Config{Entities: []string{"conversations", "users"}})

	summary, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, summary.Status)

	require.NotContains(t, source.openedFor, "users", "aborted entities must not be fetched")
	require.Empty(t, merger.batches)
	require.Empty(t, checkpoints.advanced)
}

func TestRunCycleResumesFromPersistedCursor(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.pages["users"] = []exportapi.Page{{Records: userRecords(0, 3)}}

	checkpoints := newFakeCheckpoints()
	checkpoints.states["users"] = checkpoint.SyncState{
		LastSyncedAt: testNow.AddDate(0, 0, -2),
		Cursor:       "resume-token",
	}

	orch := newTestOrchestrator(source, newFakeMerger(), checkpoints, Config{
		Entities:         []string{"users"},
		LookbackDays:     1,
		OverlapWatermark: true,
	})

	_, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "resume-token", source.gotCursor["users"])
}

func TestInitialLoadStartsAtFloorAndMarksDone(t *testing.T) {
	t.Parallel()

	floor := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	source := newFakeSource()
	source.pages["users"] = []exportapi.Page{{Records: userRecords(0, 2)}}

	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, newFakeMerger(), checkpoints, Config{
		Entities: []string{"users"},
		Floor:    floor,
	})

	summary, err := orch.RunCycle(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, summary.Status)

	require.Equal(t, floor, source.gotWindow["users"].Start)
	require.Equal(t, testNow, source.gotWindow["users"].End)
	require.True(t, checkpoints.states["users"].InitialLoadDone)
}

func TestInitialLoadHonorsExplicitDateRange(t *testing.T) {
	t.Parallel()

	floor := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	source := newFakeSource()
	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, newFakeMerger(), checkpoints, Config{
		Entities:      []string{"users"},
		Floor:         floor,
		BackfillUntil: until,
	})

	_, err := orch.RunCycle(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, floor, source.gotWindow["users"].Start)
	require.Equal(t, until, source.gotWindow["users"].End)
	require.Equal(t, until, checkpoints.advanced["users"])
}

func TestIncrementalWindowOverlapsWatermarkByLookback(t *testing.T) {
	t.Parallel()

	watermark := testNow.AddDate(0, 0, -1)
	source := newFakeSource()
	checkpoints := newFakeCheckpoints()
	checkpoints.states["users"] = checkpoint.SyncState{LastSyncedAt: watermark}

	orch := newTestOrchestrator(source, newFakeMerger(), checkpoints, Config{
		Entities:         []string{"users"},
		LookbackDays:     1,
		OverlapWatermark: true,
		Floor:            time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	_, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, watermark.AddDate(0, 0, -1), source.gotWindow["users"].Start)
}

func TestIncrementalWindowStartsAtWatermarkWhenOverlapDisabled(t *testing.T) {
	t.Parallel()

	watermark := testNow.AddDate(0, 0, -1)
	source := newFakeSource()
	checkpoints := newFakeCheckpoints()
	checkpoints.states["users"] = checkpoint.SyncState{LastSyncedAt: watermark}

	orch := newTestOrchestrator(source, newFakeMerger(), checkpoints, Config{
		Entities:         []string{"users"},
		LookbackDays:     1,
		OverlapWatermark: false,
	})

	_, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, watermark, source.gotWindow["users"].Start)
}

func TestWindowNeverStartsBeforeFloor(t *testing.T) {
	t.Parallel()

	floor := testNow.AddDate(0, 0, -1)
	source := newFakeSource()
	checkpoints := newFakeCheckpoints()
	checkpoints.states["users"] = checkpoint.SyncState{LastSyncedAt: floor}

	orch := newTestOrchestrator(source, newFakeMerger(), checkpoints, Config{
		Entities:         []string{"users"},
		LookbackDays:     7,
		OverlapWatermark: true,
		Floor:            floor,
	})

	_, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, floor, source.gotWindow["users"].Start)
}

func TestMalformedRecordsAreSkippedNotFatal(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.pages["users"] = []exportapi.Page{{Records: []entity.RawRecord{
		{"id": "u1"},
		{"email_addr": "no-key@example.com"},
		{"id": "u2", "access_to_bot": map[string]any{"bad": true}},
		{"id": "u3"},
	}}}

	merger := newFakeMerger()
	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, merger, checkpoints, Config{Entities: []string{"users"}})

	summary, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, summary.Status)

	result := summary.Entities[0]
	require.Equal(t, 4, result.Fetched)
	require.Equal(t, 2, result.Skipped)
	require.Equal(t, 2, result.Inserted)
	require.Equal(t, testNow, checkpoints.advanced["users"])
}

func TestMidSequenceCursorIsCheckpointedPerPage(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.pages["users"] = []exportapi.Page{
		{Records: userRecords(0, 2), NextCursor: "page2"},
		{Records: userRecords(2, 2)},
	}

	checkpoints := newFakeCheckpoints()
	orch := newTestOrchestrator(source, newFakeMerger(), checkpoints, Config{Entities: []string{"users"}})

	_, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []string{"page2", ""}, checkpoints.cursors["users"])
}

func TestRunCycleDefaultsToAllEntitiesInOrder(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	orch := newTestOrchestrator(source, newFakeMerger(), newFakeCheckpoints(), Config{})

	summary, err := orch.RunCycle(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, entity.Names(), source.openedFor)
	require.Len(t, summary.Entities, len(entity.Names()))
	require.NotEmpty(t, summary.CycleID)
}
