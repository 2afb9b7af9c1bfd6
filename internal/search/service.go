package search

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

type backend interface {
	Searcher
	Indexer
}

// Service tries the index first and falls back to the database.
type Service struct {
	index    backend
	fallback Searcher
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index *Meili, fallback Searcher, logger *slog.Logger) *Service {
	var b backend
	if index != nil {
		b = index
	}
	return newService(b, fallback, logger)
}

func newService(index backend, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, fallback: fallback, logger: logger.With("component", "search")}
}

func (s *Service) Search(q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("index search failed, falling back", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Error("fallback search failed", "error", err)
		return Response{Results: []Result{}, Query: q.Text, Backend: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "postgres"}
}

// IndexIcon pushes the icon to the index without blocking the caller.
func (s *Service) IndexIcon(desc store.IconDescriptor) {
	if !s.indexReady() {
		return
	}
	record := RecordFor(desc)
	s.async(func() {
		if err := s.index.IndexIcons([]IconRecord{record}); err != nil {
			s.logger.Warn("index icon", "icon", desc.Name, "error", err)
		}
	})
}

// RemoveIcon drops the icon from the index without blocking the caller.
func (s *Service) RemoveIcon(name string) {
	if !s.indexReady() {
		return
	}
	s.async(func() {
		if err := s.index.DeleteIcon(name); err != nil {
			s.logger.Warn("remove icon from index", "icon", name, "error", err)
		}
	})
}

// Reindex pushes every icon to the index.
func (s *Service) Reindex(ctx context.Context, load func(context.Context) ([]store.IconDescriptor, error)) error {
	if !s.indexReady() {
		return nil
	}
	icons, err := load(ctx)
	if err != nil {
		return err
	}
	records := make([]IconRecord, 0, len(icons))
	for _, icon := range icons {
		records = append(records, RecordFor(icon))
	}
	return s.index.IndexIcons(records)
}

// Wait blocks until pending index updates have been sent.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func (s *Service) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
