// Package transition implements the single mediator for every FSM mutation
// in the state service (spec §4.2.3). It is grounded on the teacher's
// pattern of wrapping a retriable operation with the shared resilience
// helper (dag_engine.go's executeTask wraps every attempt in backoff;
// scheduler.go wraps every cron firing in an OTel span) — here the unit of
// retry is one transactional cascade instead of one task execution.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobmon-io/jobmon/internal/jobmon/fsm"
	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/repository"
)

// ErrInvalidStateTransition is raised for truly invalid transitions (not the
// untimely ones, which are logged and dropped per spec §4.2.1).
var ErrInvalidStateTransition = errors.New("transition: invalid state transition")

// Config bounds the TransitionService's lock-retry contract (spec §4.2.3:
// "retry up to 5 times with exponential backoff starting at 2 ms").
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRetries: 5, InitialDelay: 2 * time.Millisecond}
}

// Service mediates all transitions. Each call runs in its own transaction
// through DB.WithTx, which commits on success and rolls back on error; every
// lock-contention retry starts a fresh transaction.
type Service struct {
	db     *repository.DB
	cfg    Config
	tracer trace.Tracer

	transitions  metric.Int64Counter
	untimely     metric.Int64Counter
	lockRetries  metric.Int64Counter
}

func New(db *repository.DB, cfg Config, meter metric.Meter) *Service {
	transitions, _ := meter.Int64Counter("jobmon_transitions_total")
	untimely, _ := meter.Int64Counter("jobmon_transitions_untimely_total")
	lockRetries, _ := meter.Int64Counter("jobmon_transitions_lock_retries_total")
	return &Service{
		db:          db,
		cfg:         cfg,
		tracer:      otel.Tracer("jobmon-transition"),
		transitions: transitions,
		untimely:    untimely,
		lockRetries: lockRetries,
	}
}

// TaskInstanceTransition runs the TI-driven cascade: lock TI (NOWAIT), lock
// Task (NOWAIT), update TI, validate the Task gate, update Task, insert the
// audit row — retried on lock contention per Config (spec §4.2.3).
func (s *Service) TaskInstanceTransition(ctx context.Context, tiID int64, newStatus model.TaskInstanceStatus) error {
	ctx, span := s.tracer.Start(ctx, "transition.task_instance",
		trace.WithAttributes(attribute.Int64("task_instance_id", tiID), attribute.String("to", string(newStatus))))
	defer span.End()

	op := backoff.NewExponentialBackOff()
	op.InitialInterval = s.cfg.InitialDelay
	op.Multiplier = 2
	op.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > s.cfg.MaxRetries+1 {
			return backoff.Permanent(fmt.Errorf("transition: exhausted %d retries", s.cfg.MaxRetries))
		}
		err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.taskInstanceTransitionOnce(ctx, tx, tiID, newStatus)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidStateTransition) || errors.Is(err, repository.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if repository.IsLockTimeout(err) {
			s.lockRetries.Add(ctx, 1)
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(op, uint64(s.cfg.MaxRetries)))
}

func (s *Service) taskInstanceTransitionOnce(ctx context.Context, tx *sqlx.Tx, tiID int64, newStatus model.TaskInstanceStatus) error {
	ti, err := s.db.LockTaskInstanceNoWait(ctx, tx, tiID)
	if err != nil {
		return err
	}

	if fsm.IsUntimely(fsm.TaskInstanceUntimelyTransitions, ti.Status, newStatus) {
		s.untimely.Add(ctx, 1, metric.WithAttributes(attribute.String("from", string(ti.Status)), attribute.String("to", string(newStatus))))
		slog.Info("dropping untimely task instance transition", "task_instance_id", tiID, "from", ti.Status, "to", newStatus)
		return nil
	}
	if !fsm.IsValid(fsm.TaskInstanceValidTransitions, ti.Status, newStatus) {
		return fmt.Errorf("%w: task_instance %d %s -> %s", ErrInvalidStateTransition, tiID, ti.Status, newStatus)
	}

	task, err := s.db.LockTaskNoWait(ctx, tx, ti.TaskID)
	if err != nil {
		return err
	}

	prevTIStatus := ti.Status
	ti.Status = newStatus
	ti.StatusDate = time.Now()
	if err := s.db.UpdateTaskInstance(ctx, tx, ti); err != nil {
		return err
	}

	newTaskStatus, viaErrorRecoverable, ok := cascadeTaskStatus(task.Status, newStatus, task.NumAttempts, task.MaxAttempts)
	if ok && taskCascadeIsValid(task.Status, newTaskStatus, viaErrorRecoverable) {
		prevTaskStatus := task.Status
		task.Status = newTaskStatus
		if model.ErrorTaskInstanceStatuses[newStatus] {
			task.NumAttempts++
		}
		if err := s.db.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
		if err := s.db.InsertAudit(ctx, tx, model.TaskStatusAudit{
			TaskID: task.ID, PreviousStatus: string(prevTaskStatus), NewStatus: string(task.Status),
		}); err != nil {
			return err
		}
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", string(prevTIStatus)), attribute.String("to", string(newStatus))))
	return nil
}

// cascadeTaskStatus computes the Task status a TaskInstance transition
// cascades to, per spec §4.2.2: DONE->task DONE; error states->route via
// transition_after_task_instance_error; LAUNCHED/RUNNING->advance task. The
// second return reports whether the target was reached by routing through
// the (not separately persisted) ERROR_RECOVERABLE hop, since
// transition_after_task_instance_error folds Task's RUNNING/LAUNCHED ->
// ERROR_RECOVERABLE -> {ADJUSTING_RESOURCES, ERROR_FATAL} into one update.
func cascadeTaskStatus(taskStatus model.TaskStatus, tiStatus model.TaskInstanceStatus, numAttempts, maxAttempts int) (model.TaskStatus, bool, bool) {
	switch {
	case tiStatus == model.TIDone:
		return model.TaskDone, false, true
	case model.ErrorTaskInstanceStatuses[tiStatus]:
		attemptsRemain := numAttempts+1 < maxAttempts
		return fsm.TaskInstanceErrorCascade(attemptsRemain), true, true
	case tiStatus == model.TIInstantiated:
		return model.TaskInstantiating, false, true
	case tiStatus == model.TILaunched:
		return model.TaskLaunched, false, true
	case tiStatus == model.TIRunning:
		return model.TaskRunning, false, true
	default:
		return "", false, false
	}
}

// taskCascadeIsValid validates a Task cascade target. When the cascade
// routes through ERROR_RECOVERABLE (spec §4.2: "routes via
// transition_after_task_instance_error"), both hops of that compound edge
// must be valid even though only the final state is persisted.
func taskCascadeIsValid(from, to model.TaskStatus, viaErrorRecoverable bool) bool {
	if !viaErrorRecoverable {
		return fsm.IsValid(fsm.TaskValidTransitions, from, to)
	}
	return fsm.IsValid(fsm.TaskValidTransitions, from, model.TaskErrorRecoverable) &&
		fsm.IsValid(fsm.TaskValidTransitions, model.TaskErrorRecoverable, to)
}

// BulkTransitionTasks mediates the SKIP_LOCKED bulk path (spec §4.2.3),
// e.g. gating REGISTERING->QUEUED for a batch of tasks.
func (s *Service) BulkTransitionTasks(ctx context.Context, ids []int64, from, to model.TaskStatus) (repository.BulkTransitionResult, error) {
	if !fsm.IsValid(fsm.TaskValidTransitions, from, to) {
		return repository.BulkTransitionResult{}, fmt.Errorf("%w: bulk task %s -> %s", ErrInvalidStateTransition, from, to)
	}
	result, err := s.db.BulkTransitionTasks(ctx, ids, from, to)
	if err != nil {
		return result, err
	}
	s.transitions.Add(ctx, int64(len(result.Transitioned)), metric.WithAttributes(attribute.String("from", string(from)), attribute.String("to", string(to))))
	return result, nil
}

// WorkflowRunTransition validates and applies a WorkflowRun transition,
// cascading to the owning Workflow (spec §4.2.2).
func (s *Service) WorkflowRunTransition(ctx context.Context, wrID int64, newStatus model.WorkflowRunStatus) error {
	ctx, span := s.tracer.Start(ctx, "transition.workflow_run",
		trace.WithAttributes(attribute.Int64("workflow_run_id", wrID), attribute.String("to", string(newStatus))))
	defer span.End()

	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		wr, err := s.db.GetWorkflowRun(ctx, wrID)
		if err != nil {
			return err
		}
		if !fsm.IsValid(fsm.WorkflowRunValidTransitions, wr.Status, newStatus) {
			return fmt.Errorf("%w: workflow_run %d %s -> %s", ErrInvalidStateTransition, wrID, wr.Status, newStatus)
		}
		if err := s.db.UpdateWorkflowRunStatus(ctx, tx, wrID, newStatus); err != nil {
			return err
		}
		if wfStatus, ok := fsm.WorkflowRunCascade(newStatus); ok {
			if err := s.db.UpdateWorkflowStatus(ctx, tx, wr.WorkflowID, wfStatus); err != nil {
				return err
			}
		}
		s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", string(wr.Status)), attribute.String("to", string(newStatus))))
		return nil
	})
}
