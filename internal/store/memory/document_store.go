package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/repometrics/crawler/internal/crawler"
)

// DocumentStore keeps upserted documents in process memory, keyed by their
// deterministic ids.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]crawler.Document

	// FailNext makes the next Upsert fail as store-unavailable; tests use
	// it to exercise the batch retry path.
	FailNext int
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]crawler.Document)}
}

// Upsert writes each document under its id, overwriting prior content.
// Documents that fail validation are dropped and reported.
func (s *DocumentStore) Upsert(_ context.Context, docs []crawler.Document) (crawler.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext > 0 {
		s.FailNext--
		return crawler.UpsertResult{}, fmt.Errorf("upsert: %w", crawler.ErrStoreUnavailable)
	}

	var res crawler.UpsertResult
	for _, doc := range docs {
		if doc.ID == "" {
			res.Rejected = append(res.Rejected, crawler.RejectedDocument{ID: doc.ID, Reason: "empty document id"})
			continue
		}
		if _, err := json.Marshal(doc.Body); err != nil {
			res.Rejected = append(res.Rejected, crawler.RejectedDocument{ID: doc.ID, Reason: fmt.Sprintf("marshal body: %v", err)})
			continue
		}
		s.docs[doc.ID] = doc
		res.Committed++
	}
	return res, nil
}

// Get returns a stored document by id.
func (s *DocumentStore) Get(id string) (crawler.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Len reports the number of distinct stored documents.
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
