package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/ledger"
	"github.com/Veterun/RENDLER/internal/progress"
	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/store"
)

// StoreSink persists run progress and results via a store.ResultRepository. Edges from
// one batch are collapsed into a single insert per run.
type StoreSink struct {
	repo   store.ResultRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ResultRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository in event order, flushing edges last.
// It returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	edges := make(map[uuid.UUID]*edgeBatch)
	var order []uuid.UUID

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch {
		case evt.Stage == progress.StageRunStart, evt.Stage == progress.StageRunDone, evt.Stage == progress.StageRunError:
			if err := s.handleRunEvent(ctx, runID, evt); err != nil {
				return err
			}
		case evt.Stage == progress.StageCrawlResult:
			eb := edges[runID]
			if eb == nil {
				eb = &edgeBatch{}
				edges[runID] = eb
				order = append(order, runID)
			}
			for _, link := range evt.Links {
				eb.edges = append(eb.edges, rendler.Edge{From: evt.URL, To: link})
			}
			if evt.TS.After(eb.at) {
				eb.at = evt.TS
			}
		case evt.Stage == progress.StageRenderResult:
			if err := s.repo.UpsertRender(ctx, runID, evt.URL, evt.Image, evt.TS); err != nil {
				return fmt.Errorf("upsert render: %w", err)
			}
		case evt.Stage.IsTask() && evt.Stage != progress.StageTaskLaunched:
			if err := s.repo.RecordTaskOutcome(ctx, taskOutcome(runID, evt)); err != nil {
				return fmt.Errorf("record task outcome: %w", err)
			}
		}
	}

	for _, runID := range order {
		eb := edges[runID]
		if len(eb.edges) == 0 {
			continue
		}
		if err := s.repo.InsertEdges(ctx, runID, eb.edges, eb.at); err != nil {
			return fmt.Errorf("insert edges: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleRunEvent(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageRunStart:
		if err := s.repo.UpsertRunStart(ctx, runID, evt.URL, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.StageRunDone:
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, store.RunSuccess, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageRunError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, store.RunError, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func taskOutcome(runID uuid.UUID, evt progress.Event) store.TaskOutcome {
	outcome := ledger.OutcomeFinished
	switch evt.Stage {
	case progress.StageTaskRetried:
		outcome = ledger.OutcomeRetried
	case progress.StageTaskFailed:
		outcome = ledger.OutcomeExhausted
	}
	return store.TaskOutcome{
		RunID:   runID,
		TaskID:  evt.TaskID,
		Kind:    evt.Kind,
		URL:     evt.URL,
		Attempt: evt.Attempt,
		Outcome: outcome.String(),
		At:      evt.TS,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type edgeBatch struct {
	edges []rendler.Edge
	at    time.Time
}
