// Package checkpoint persists per-entity sync progress. Each entity owns one
// JSON document on disk, replaced atomically (write to a temp file, then
// rename) so a crash mid-run leaves the prior consistent state intact.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

var validEntityName = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// SyncState is the durable progress record for one entity. LastSyncedAt is a
// monotonic non-decreasing watermark; Cursor is the opaque pagination token of
// an interrupted page set, cleared on completion.
type SyncState struct {
	Entity          string    `json:"entity"`
	LastSyncedAt    time.Time `json:"last_synced_at"`
	Cursor          string    `json:"cursor,omitempty"`
	InitialLoadDone bool      `json:"initial_load_done"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store is a file-backed checkpoint store. Writes are serialized per entity
// so a crash-recovery read never races an in-flight advance.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens (creating if needed) the state directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) entityLock(entity string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[entity]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[entity] = lock
	}
	return lock
}

func (s *Store) path(entity string) string {
	return filepath.Join(s.dir, entity+".json")
}

// Get returns the persisted state for the entity, or the zero-value default
// (epoch watermark, no cursor, initial load pending) when none exists.
func (s *Store) Get(entity string) (SyncState, error) {
	if !validEntityName.MatchString(entity) {
		return SyncState{}, fmt.Errorf("invalid entity name %q", entity)
	}
	lock := s.entityLock(entity)
	lock.Lock()
	defer lock.Unlock()
	return s.read(entity)
}

func (s *Store) read(entity string) (SyncState, error) {
	buf, err := os.ReadFile(s.path(entity))
	if errors.Is(err, os.ErrNotExist) {
		return SyncState{Entity: entity}, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("read checkpoint %s: %w", entity, err)
	}
	var state SyncState
	if err := json.Unmarshal(buf, &state); err != nil {
		return SyncState{}, fmt.Errorf("decode checkpoint %s: %w", entity, err)
	}
	state.Entity = entity
	return state, nil
}

func (s *Store) write(state SyncState) error {
	state.UpdatedAt = time.Now().UTC()
	buf, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", state.Entity, err)
	}
	tmp, err := os.CreateTemp(s.dir, state.Entity+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path(state.Entity)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("swap checkpoint %s: %w", state.Entity, err)
	}
	return nil
}

// Advance moves the watermark forward. A watermark at or behind the persisted
// value is a no-op: a delayed late page must never reorder the watermark
// backward.
func (s *Store) Advance(entity string, watermark time.Time) error {
	if !validEntityName.MatchString(entity) {
		return fmt.Errorf("invalid entity name %q", entity)
	}
	lock := s.entityLock(entity)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.read(entity)
	if err != nil {
		return err
	}
	if !watermark.After(state.LastSyncedAt) {
		return nil
	}
	state.LastSyncedAt = watermark.UTC()
	state.Cursor = ""
	return s.write(state)
}

// SetCursor records the opaque pagination token for a partially consumed page
// set, enabling restart from the same position.
func (s *Store) SetCursor(entity, cursor string) error {
	if !validEntityName.MatchString(entity) {
		return fmt.Errorf("invalid entity name %q", entity)
	}
	lock := s.entityLock(entity)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.read(entity)
	if err != nil {
		return err
	}
	state.Cursor = cursor
	return s.write(state)
}

// MarkInitialLoadDone flips the one-time historical backfill flag.
func (s *Store) MarkInitialLoadDone(entity string) error {
	if !validEntityName.MatchString(entity) {
		return fmt.Errorf("invalid entity name %q", entity)
	}
	lock := s.entityLock(entity)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.read(entity)
	if err != nil {
		return err
	}
	if state.InitialLoadDone {
		return nil
	}
	state.InitialLoadDone = true
	return s.write(state)
}

// Reset clears the entity's state back to defaults, enabling a later
// initial-load rerun. Resetting an absent entity is not an error.
func (s *Store) Reset(entity string) error {
	if !validEntityName.MatchString(entity) {
		return fmt.Errorf("invalid entity name %q", entity)
	}
	lock := s.entityLock(entity)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(entity)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset checkpoint %s: %w", entity, err)
	}
	return nil
}

// ResetAll clears every persisted entity state.
func (s *Store) ResetAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list state directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		entity := e.Name()[:len(e.Name())-len(".json")]
		if err := s.Reset(entity); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot reads every persisted entity state, sorted by entity name. It is
// read-only and safe to call while a sync is in flight.
func (s *Store) Snapshot() ([]SyncState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list state directory: %w", err)
	}
	var states []SyncState
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		entity := e.Name()[:len(e.Name())-len(".json")]
		if !validEntityName.MatchString(entity) {
			continue
		}
		state, err := s.Get(entity)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Entity < states[j].Entity })
	return states, nil
}
