package events

import (
	"context"
	"database/sql"
	"time"

	"podline/internal/domain"
)

// Event types written to the journal.
const (
	WorkOrderCreated   = "work_order.created"
	WorkOrderUpdated   = "work_order.updated"
	WorkOrderDeleted   = "work_order.deleted"
	WorkOrderStatus    = "work_order.status_changed"
	WorkOrderActivated = "work_order.activated"
	PlanGenerated      = "plan.generated"
	PlanFailed         = "plan.failed"
	PlanApproved       = "plan.approved"
	PlanRejected       = "plan.rejected"
	ProgressReported   = "work_order.progress"
	BudgetSignal       = "budget.threshold_crossed"
	PodSpawned         = "pod.spawned"
	PodUpdated         = "pod.updated"
	PodTerminated      = "pod.terminated"
	PodTaskAssigned    = "pod.task_assigned"
	PodTaskCompleted   = "pod.task_completed"
	PodHeartbeat       = "pod.heartbeat"
	CheckpointAdded    = "checkpoint.added"
	CheckpointReached  = "checkpoint.reached"
	CheckpointDecided  = "checkpoint.decided"
	ArtifactAdded      = "artifact.added"
	ArtifactUpdated    = "artifact.updated"
	ReceiptsGenerated  = "receipts.generated"
	ExecutorFailed     = "executor.failed"
	RecoveryResumed    = "recovery.resumed"
	NarrationPosted    = "narration.posted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts e into the journal. An empty TS is stamped with Now.
func (w Writer) Append(ctx context.Context, e domain.Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.TS == "" {
		e.TS = w.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Payload == "" {
		e.Payload = "{}"
	}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,work_order_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		e.TS, e.Type, nullable(e.WorkOrderID), e.EntityKind, nullable(e.EntityID), e.ActorID, e.Payload)
	return err
}

// AppendAll writes events in order and returns how many were written before
// the first failure.
func (w Writer) AppendAll(ctx context.Context, evts []domain.Event) (int, error) {
	for i, e := range evts {
		if err := w.Append(ctx, e); err != nil {
			return i, err
		}
	}
	return len(evts), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
