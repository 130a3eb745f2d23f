// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/repometrics/crawler/internal/crawler"
)

// CheckpointStore keeps crawl state in process memory.
type CheckpointStore struct {
	mu     sync.RWMutex
	states map[string]crawler.CrawlState
}

// NewCheckpointStore constructs a CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{states: make(map[string]crawler.CrawlState)}
}

// Register creates idle state for a configured entity if none exists.
func (s *CheckpointStore) Register(_ context.Context, entity crawler.CrawlerEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[entity.Key()]; ok {
		return nil
	}
	s.states[entity.Key()] = crawler.CrawlState{Entity: entity, Status: crawler.StatusIdle}
	return nil
}

// Load returns the persisted state for an entity.
func (s *CheckpointStore) Load(_ context.Context, entity crawler.CrawlerEntity) (crawler.CrawlState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[entity.Key()]
	if !ok {
		return crawler.CrawlState{}, crawler.ErrNotFound
	}
	return state, nil
}

// Advance moves the checkpoint forward; last_commit_at never decreases.
func (s *CheckpointStore) Advance(_ context.Context, entity crawler.CrawlerEntity, lastCommitAt time.Time, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[entity.Key()]
	if !ok {
		return crawler.ErrNotFound
	}
	if lastCommitAt.After(state.LastCommitAt) {
		state.LastCommitAt = lastCommitAt
	}
	state.Cursor = cursor
	s.states[entity.Key()] = state
	return nil
}

// MarkRunning records a dispatch attempt.
func (s *CheckpointStore) MarkRunning(_ context.Context, entity crawler.CrawlerEntity, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[entity.Key()]
	if !ok {
		return crawler.ErrNotFound
	}
	state.Status = crawler.StatusRunning
	state.LastAttemptAt = at
	s.states[entity.Key()] = state
	return nil
}

// Complete finalizes a run and maintains the consecutive failure streak.
func (s *CheckpointStore) Complete(_ context.Context, entity crawler.CrawlerEntity, status crawler.EntityStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[entity.Key()]
	if !ok {
		return crawler.ErrNotFound
	}
	state.Status = status
	state.ErrorText = errText
	if status == crawler.StatusErrored {
		state.ConsecutiveFailures++
	} else {
		state.ConsecutiveFailures = 0
	}
	s.states[entity.Key()] = state
	return nil
}

// Reset clears an errored entity so the scheduler re-dispatches it.
func (s *CheckpointStore) Reset(_ context.Context, entity crawler.CrawlerEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[entity.Key()]
	if !ok || state.Status != crawler.StatusErrored {
		return crawler.ErrNotFound
	}
	state.Status = crawler.StatusIdle
	state.ErrorText = ""
	state.ConsecutiveFailures = 0
	s.states[entity.Key()] = state
	return nil
}

// List returns a copy of all known states.
func (s *CheckpointStore) List(_ context.Context) ([]crawler.CrawlState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state)
	}
	return out, nil
}
