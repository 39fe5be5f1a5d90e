// Package broker is a durable FIFO task queue over SQLite. It implements the
// delivery contract the pipeline relies on: at-least-once, single delivery
// per task (transactional claim), in-order chaining of (job, stage) pairs,
// and best-effort revocation by task id. The HTTP front-end and the worker
// process share it through the database file.
package broker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/docrefinery/docrefinery/dbopen"
	"github.com/docrefinery/docrefinery/idgen"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusClaimed    = "claimed"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
)

// Task is one (job, stage) unit of work.
type Task struct {
	Seq    int64
	ID     string
	JobID  int64
	Stage  string
	Status string
}

// Broker wraps the task table. Safe for concurrent use across processes.
type Broker struct {
	db    *sql.DB
	now   func() time.Time
	newID idgen.Generator
}

// Option customises a Broker.
type Option func(*Broker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

// New wraps db and ensures the task table exists.
func New(db *sql.DB, opts ...Option) (*Broker, error) {
	b := &Broker{
		db:    db,
		now:   time.Now,
		newID: idgen.Prefixed("tsk_", idgen.UUIDv7()),
	}
	for _, o := range opts {
		o(b)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("broker: ensure schema: %w", err)
	}
	return b, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS broker_tasks (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL UNIQUE,
	job_id     INTEGER NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	claimed_by TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_broker_tasks_pending ON broker_tasks(status, seq);
`

func (b *Broker) stamp() string {
	return b.now().UTC().Format(time.RFC3339Nano)
}

// Publish enqueues a (job, stage) pair and returns the opaque task id.
func (b *Broker) Publish(ctx context.Context, jobID int64, stage string) (string, error) {
	id := b.newID()
	now := b.stamp()
	_, err := dbopen.Exec(ctx, b.db,
		`INSERT INTO broker_tasks (task_id, job_id, stage, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, jobID, stage, StatusPending, now, now)
	if err != nil {
		return "", fmt.Errorf("broker: publish: %w", err)
	}
	return id, nil
}

// Claim pops the oldest pending task for workerID. Returns (nil, nil) when
// the queue is empty. The claim is transactional: no two workers receive
// the same task.
func (b *Broker) Claim(ctx context.Context, workerID string) (*Task, error) {
	var task *Task
	err := dbopen.RunTx(ctx, b.db, func(tx *sql.Tx) error {
		var t Task
		err := tx.QueryRowContext(ctx,
			`SELECT seq, task_id, job_id, stage FROM broker_tasks
			 WHERE status = ? ORDER BY seq LIMIT 1`, StatusPending).
			Scan(&t.Seq, &t.ID, &t.JobID, &t.Stage)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("broker: select pending: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE broker_tasks SET status = ?, claimed_by = ?, updated_at = ?
			 WHERE seq = ? AND status = ?`,
			StatusClaimed, workerID, b.stamp(), t.Seq, StatusPending)
		if err != nil {
			return fmt.Errorf("broker: claim update: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		t.Status = StatusClaimed
		task = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Done marks a claimed task completed.
func (b *Broker) Done(ctx context.Context, taskID string) error {
	return b.setStatus(ctx, taskID, StatusDone, "")
}

// Fail marks a claimed task failed with a reason. The chain stops here; the
// pipeline records the real error on the job row.
func (b *Broker) Fail(ctx context.Context, taskID, reason string) error {
	return b.setStatus(ctx, taskID, StatusFailed, reason)
}

// Terminate revokes a task by id: a pending task will never be claimed and
// a claimed task is flagged so the worker can stop at its next check.
// Unknown ids are a no-op (the task may already be gone).
func (b *Broker) Terminate(ctx context.Context, taskID string) error {
	_, err := dbopen.Exec(ctx, b.db,
		`UPDATE broker_tasks SET status = ?, updated_at = ?
		 WHERE task_id = ? AND status IN (?, ?)`,
		StatusTerminated, b.stamp(), taskID, StatusPending, StatusClaimed)
	if err != nil {
		return fmt.Errorf("broker: terminate: %w", err)
	}
	return nil
}

// Terminated reports whether the task was revoked.
func (b *Broker) Terminated(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM broker_tasks WHERE task_id = ? AND status = ?`,
		taskID, StatusTerminated).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("broker: terminated check: %w", err)
	}
	return n > 0, nil
}

// Ping verifies the task table is reachable. Used by /readyz.
func (b *Broker) Ping(ctx context.Context) error {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM broker_tasks WHERE 0`).Scan(&n); err != nil {
		return fmt.Errorf("broker: ping: %w", err)
	}
	return nil
}

// PendingCount returns the queue depth (pending tasks).
func (b *Broker) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM broker_tasks WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("broker: pending count: %w", err)
	}
	return n, nil
}

func (b *Broker) setStatus(ctx context.Context, taskID, status, reason string) error {
	_, err := dbopen.Exec(ctx, b.db,
		`UPDATE broker_tasks SET status = ?, last_error = ?, updated_at = ? WHERE task_id = ?`,
		status, reason, b.stamp(), taskID)
	if err != nil {
		return fmt.Errorf("broker: set status %s: %w", status, err)
	}
	return nil
}
