package search

import (
	"context"
	"log/slog"

	"aicsl/realtime/internal/store"
)

// Fallback is the Postgres full-text path used when Meilisearch is
// unavailable; store.PostgresStore implements it.
type Fallback interface {
	SearchChatMessages(ctx context.Context, projectID, query string, limit int) ([]store.ChatMessage, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres FTS. meili may be nil when search indexing is not configured.
type Service struct {
	meili    *Meili
	fallback Fallback
	log      *slog.Logger
}

func NewService(meili *Meili, fallback Fallback, log *slog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log}
}

// IndexMessage pushes a chat message into the index, fire-and-forget.
func (s *Service) IndexMessage(rec MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMessage(rec); err != nil {
			s.log.Warn("index chat message failed", "message", rec.ID, "error", err)
		}
	}()
}

// Search queries Meilisearch when healthy, otherwise Postgres FTS. Both
// paths failing yields an empty response, never an error: search is a
// convenience on the chat channel, not a serving dependency.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if q.Limit == 0 {
		q.Limit = 20
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: results, Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to postgres fts", "error", err)
	}

	rows, err := s.fallback.SearchChatMessages(ctx, q.ProjectID, q.Text, q.Limit)
	if err != nil {
		s.log.Warn("postgres fts error", "error", err)
		return Response{Results: []MessageRecord{}, Query: q.Text}
	}
	results := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		results = append(results, MessageRecord{
			ID:        row.ID,
			ProjectID: row.ProjectID,
			UserID:    row.UserID,
			Content:   row.Content,
			CreatedAt: row.CreatedAt,
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}
