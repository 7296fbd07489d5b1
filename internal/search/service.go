package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, pgfts: pgfts, logger: logger}
}

// SearchPosts tries Meilisearch if healthy, otherwise falls back to PG FTS.
// Errors from the fallback are logged and reported as no results.
func (s *Service) SearchPosts(ctx context.Context, q Query) ([]int64, int) {
	if s.meili != nil && s.meili.Healthy() {
		ids, total, err := s.meili.SearchPosts(ctx, q)
		if err == nil {
			return nonNil(ids), total
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.pgfts == nil {
		return []int64{}, 0
	}

	ids, total, err := s.pgfts.SearchPosts(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.String("query", q.Text), zap.Error(err))
		return []int64{}, 0
	}
	return nonNil(ids), total
}

// IndexPost indexes a post (fire-and-forget to Meilisearch).
func (s *Service) IndexPost(post PostRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPost(post); err != nil {
			s.logger.Warn("index post", zap.Int64("post_id", post.ID), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every post in PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	posts, err := s.pgfts.LoadAllPosts(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexPosts(posts); err != nil {
		s.logger.Error("reindex posts", zap.Int("count", len(posts)), zap.Error(err))
		return
	}
	s.logger.Info("reindexed posts", zap.Int("count", len(posts)))
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
