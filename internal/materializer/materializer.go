// Package materializer produces the final result of a completed conversation.
//
// The result is fetched at most once per completed session and cached in the
// store, so repeated calls return identical tasks and coaching without
// resubmitting anything. When the enriched payload cannot be fetched the
// materializer still reports success with a degraded notice: by the time a
// conversation completes, the backend has already processed the tasks.
package materializer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TaskPipe/internal/backend"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Materializer fetches and caches final results.
type Materializer struct {
	api   backend.API
	store store.Store
}

// New creates a Materializer.
func New(api backend.API, st store.Store) *Materializer {
	return &Materializer{api: api, store: st}
}

// Materialize returns the final result for sessionID. It never fails: a
// cached result is returned as is, a fetched result is cached, and a failed
// fetch yields a degraded result that is not cached.
func (m *Materializer) Materialize(ctx context.Context, sessionID string) models.FinalResult {
	cached, err := m.store.GetFinalResult(ctx, sessionID)
	if err != nil {
		slog.Warn("Materializer.Materialize: cache lookup failed", "session_id", sessionID, "error", err)
	} else if cached != nil {
		slog.Debug("Materializer.Materialize: returning cached result", "session_id", sessionID)
		return *cached
	}

	resp, err := m.api.FinalResults(ctx, sessionID)
	if err != nil {
		slog.Warn("Materializer.Materialize: final results fetch failed", "session_id", sessionID, "error", err)
		return Degraded(models.NoticeCoachingUnavailable)
	}
	if !resp.Succeeded() || !resp.HasFinalPayload() {
		slog.Info("Materializer.Materialize: final results carried no payload", "session_id", sessionID, "success", resp.Succeeded())
		return Degraded(models.NoticeProcessedNoDetails)
	}

	result := resp.FinalResult()
	if err := m.store.SaveFinalResult(ctx, sessionID, result); err != nil {
		slog.Warn("Materializer.Materialize: failed to cache result", "session_id", sessionID, "error", err)
	}
	slog.Info("Materializer.Materialize: final result fetched", "session_id", sessionID, "tasks", len(result.Tasks))
	return result
}

// Seed caches a result that arrived inline with a completing response, so
// Materialize returns it without a network call.
func (m *Materializer) Seed(ctx context.Context, sessionID string, result models.FinalResult) error {
	if err := m.store.SaveFinalResult(ctx, sessionID, result); err != nil {
		return fmt.Errorf("failed to seed final result: %w", err)
	}
	return nil
}

// Forget drops the cached result of sessionID.
func (m *Materializer) Forget(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteFinalResult(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to forget final result: %w", err)
	}
	return nil
}

// Degraded builds a degraded result carrying notice.
func Degraded(notice string) models.FinalResult {
	return models.FinalResult{Degraded: true, Notice: notice}
}
