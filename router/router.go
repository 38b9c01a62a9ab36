// Package router resolves inbound result events to the persisted plan or
// task instance that issued their correlation id.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/planflow/envelope"
	"github.com/c360studio/planflow/plan"
	"github.com/c360studio/planflow/store"
	"github.com/c360studio/planflow/task"
)

// ErrOrphanResult is returned when no owning plan or task is found for a
// result's correlation id: the owner was archived, or the id was never
// issued. Orphans are reported and dropped, never retried, and never
// fatal to the process.
var ErrOrphanResult = errors.New("orphan result")

// Owner is the restored owner of a result. Exactly one field is set.
type Owner struct {
	Plan *plan.Plan
	Task *task.Task
}

// Router restores in-flight plan and task instances from inbound results.
type Router struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Router on the given store.
func New(s store.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: s, logger: logger}
}

// Restore resolves a result view to exactly one persisted owner: first by
// the correlation index (plans and tasks that issued the id directly),
// then by the sub-task index (a parent task awaiting parallel results).
func (r *Router) Restore(ctx context.Context, res envelope.ResultView) (Owner, error) {
	ref, err := r.store.FindByCorrelation(ctx, res.CorrelationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Owner{}, fmt.Errorf("find by correlation %s: %w", res.CorrelationID, err)
		}
		ref, err = r.store.FindBySubtask(ctx, res.CorrelationID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return Owner{}, fmt.Errorf("find by sub-task %s: %w", res.CorrelationID, err)
			}
			orphanResults.Inc()
			r.logger.Warn("Orphan result",
				"correlation_id", res.CorrelationID,
				"event_type", res.EventType)
			return Owner{}, fmt.Errorf("%w: correlation id %s", ErrOrphanResult, res.CorrelationID)
		}
	}

	return r.load(ctx, res.CorrelationID, ref)
}

func (r *Router) load(ctx context.Context, correlationID string, ref store.Ref) (Owner, error) {
	switch ref.Kind {
	case store.KindPlan:
		p, err := plan.Load(ctx, r.store, ref.Key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				orphanResults.Inc()
				return Owner{}, fmt.Errorf("%w: plan %s archived", ErrOrphanResult, ref.Key)
			}
			return Owner{}, fmt.Errorf("load plan %s: %w", ref.Key, err)
		}
		return Owner{Plan: p}, nil
	case store.KindTask:
		t, err := task.LoadTask(ctx, r.store, ref.Key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				orphanResults.Inc()
				return Owner{}, fmt.Errorf("%w: task %s archived", ErrOrphanResult, ref.Key)
			}
			return Owner{}, fmt.Errorf("load task %s: %w", ref.Key, err)
		}
		return Owner{Task: t}, nil
	default:
		return Owner{}, fmt.Errorf("correlation %s resolves to unknown kind %q", correlationID, ref.Kind)
	}
}
