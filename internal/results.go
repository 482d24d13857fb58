package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ResultsStore holds the full payload of a finished job: written once at
// completion, readable for 24 hours, never mutated. The progress stream only
// carries a summary; clients come here for the rest.
type ResultsStore struct {
	kv *KV
}

var (
	_resultsTTL     = 24 * time.Hour
	_resultsMaxSize = 10 << 20
)

// NewResultsStore wires the store.
func NewResultsStore(kv *KV) *ResultsStore {
	return &ResultsStore{kv: kv}
}

// Put stores the payload under the job's key. A second write to the same key
// is rejected, as is anything over the size cap.
func (s *ResultsStore) Put(ctx context.Context, pipeline Pipeline, jobID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	if len(b) > _resultsMaxSize {
		return apiErrorf(CodeProcessingFailed, "results payload exceeds %d bytes", _resultsMaxSize)
	}

	set, err := s.kv.SetNX(ctx, resultsKey(pipeline, jobID), b, _resultsTTL)
	if err != nil {
		return fmt.Errorf("storing results: %w", err)
	}
	if !set {
		return fmt.Errorf("results for job %s already written", jobID)
	}
	return nil
}

// Get fetches the payload. Absent or expired keys surface as not-found.
func (s *ResultsStore) Get(ctx context.Context, pipeline Pipeline, jobID string) (json.RawMessage, error) {
	b, ok, err := s.kv.Get(ctx, resultsKey(pipeline, jobID))
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	if !ok {
		return nil, errNotFound
	}
	return json.RawMessage(b), nil
}

// ResultsURL is the path clients fetch after job_complete.
func ResultsURL(pipeline Pipeline, jobID string) string {
	switch pipeline {
	case PipelineAIScan:
		return "/v1/scan/results/" + jobID
	case PipelineCSVImport:
		return "/v1/csv/results/" + jobID
	}
	return "/v1/enrichment/results/" + jobID
}
