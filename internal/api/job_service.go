package api

import (
	"context"

	"annihilator/internal/job"
	"annihilator/internal/progress"
)

// JobReader abstracts ledger interactions needed for API queries.
type JobReader interface {
	List(ctx context.Context, limit int) ([]job.Record, error)
	Get(ctx context.Context, id string) (*job.Record, error)
	Counts(ctx context.Context) (map[progress.Stage]int, error)
}

// JobService exposes read-only ledger operations returning API DTOs.
type JobService struct {
	store JobReader
	codec string
}

// NewJobService constructs a JobService around the provided reader. codec is
// the extension finished jobs stored their stems with.
func NewJobService(store JobReader, codec string) *JobService {
	if store == nil {
		return nil
	}
	return &JobService{store: store, codec: codec}
}

// List returns the most recent jobs first.
func (s *JobService) List(ctx context.Context, limit int) ([]JobItem, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	recs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	return FromRecords(recs, s.codec), nil
}

// Describe fetches a single job. Missing ids surface the reader's error.
func (s *JobService) Describe(ctx context.Context, id string) (*JobItem, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	dto := FromRecord(*rec, s.codec)
	return &dto, nil
}

// Counts returns job totals keyed by stage name.
func (s *JobService) Counts(ctx context.Context) (map[string]int, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return MergeStageCounts(counts), nil
}
