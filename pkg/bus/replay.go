package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Replay run states.
const (
	ReplayRunning   = "running"
	ReplayCompleted = "completed"
	ReplayFailed    = "failed"
)

// ReplayRun tracks one offset-rewind and the redelivery that follows it.
type ReplayRun struct {
	ReplayID        string     `json:"replay_id"`
	ConsumerGroup   string     `json:"consumer_group"`
	Topics          []string   `json:"topics"`
	ReplayFrom      time.Time  `json:"replay_from"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	EventsProcessed int64      `json:"events_processed"`
	Status          string     `json:"status"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Replayer rewinds consumer groups and drives their catch-up. Rewinding to
// a snapshot boundary is the same operation with the snapshot's creation
// time as the target; resolving a snapshot id to that time is the caller's
// job.
type Replayer struct {
	bus    *Bus
	logger *slog.Logger
}

// NewReplayer returns a replay manager over the bus.
func NewReplayer(b *Bus, logger *slog.Logger) *Replayer {
	return &Replayer{
		bus:    b,
		logger: logger.With(slog.String("component", "bus_replayer")),
	}
}

// ResetToTimestamp rewinds the group's committed offsets so consumption
// restarts at the first message published at or after t. Partitions with no
// message that late keep pointing at their head. Returns the new next
// offsets keyed by topic then partition.
func (r *Replayer) ResetToTimestamp(ctx context.Context, group string, topics []string, t time.Time) (map[string]map[int]int64, error) {
	offsets := make(map[string]map[int]int64)
	err := r.bus.db.WithTx(ctx, func(tx *sql.Tx) error {
		inner, err := r.resetTx(ctx, tx, group, topics, t)
		if err != nil {
			return err
		}
		offsets = inner
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offsets, nil
}

func (r *Replayer) resetTx(ctx context.Context, tx *sql.Tx, group string, topics []string, t time.Time) (map[string]map[int]int64, error) {
	now := r.bus.clock().UTC()
	offsets := make(map[string]map[int]int64)

	for _, topic := range topics {
		if !ValidTopic(topic) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
		}
		offsets[topic] = make(map[int]int64)

		for partition := 0; partition < r.bus.partitions; partition++ {
			var target sql.NullInt64
			err := tx.QueryRowContext(ctx, r.bus.db.Rebind(
				`SELECT MIN(msg_offset) FROM bus_events
					WHERE topic = ? AND partition_id = ? AND published_at_unix >= ?`),
				topic, partition, t.Unix()).Scan(&target)
			if err != nil {
				return nil, fmt.Errorf("find offset for %s/%d: %w", topic, partition, err)
			}

			next := target.Int64
			if !target.Valid {
				// Nothing published at or after t; park at the head so the
				// group does not re-read older messages.
				var head int64
				err := tx.QueryRowContext(ctx, r.bus.db.Rebind(
					`SELECT COALESCE(MAX(msg_offset)+1, 0) FROM bus_events WHERE topic = ? AND partition_id = ?`),
					topic, partition).Scan(&head)
				if err != nil {
					return nil, fmt.Errorf("find head for %s/%d: %w", topic, partition, err)
				}
				next = head
			}

			if err := r.bus.commitOffsetTx(ctx, tx, group, topic, partition, next, now); err != nil {
				return nil, err
			}
			offsets[topic][partition] = next
		}
	}
	return offsets, nil
}

// Start rewinds the group and records a running replay, both in one
// transaction.
func (r *Replayer) Start(ctx context.Context, group string, topics []string, from time.Time) (*ReplayRun, error) {
	run := &ReplayRun{
		ReplayID:      uuid.NewString(),
		ConsumerGroup: group,
		Topics:        topics,
		ReplayFrom:    from.UTC(),
		StartTime:     r.bus.clock().UTC(),
		Status:        ReplayRunning,
	}
	topicJSON, err := json.Marshal(topics)
	if err != nil {
		return nil, fmt.Errorf("marshal topics: %w", err)
	}

	err = r.bus.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.resetTx(ctx, tx, group, topics, from); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, r.bus.db.Rebind(
			`INSERT INTO replay_runs
				(replay_id, consumer_group, topics, replay_from, start_time, events_processed, status)
				VALUES (?, ?, ?, ?, ?, 0, ?)`),
			run.ReplayID, group, string(topicJSON),
			run.ReplayFrom.Format(time.RFC3339Nano),
			run.StartTime.Format(time.RFC3339Nano),
			ReplayRunning)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start replay: %w", err)
	}

	r.logger.Info("replay started",
		slog.String("replay_id", run.ReplayID),
		slog.String("group", group),
		slog.Any("topics", topics),
		slog.Time("from", run.ReplayFrom))
	return run, nil
}

// RecordProgress adds processed events to a running replay's counter.
func (r *Replayer) RecordProgress(ctx context.Context, replayID string, processed int64) error {
	_, err := r.bus.db.ExecContext(ctx, r.bus.db.Rebind(
		`UPDATE replay_runs SET events_processed = events_processed + ?
			WHERE replay_id = ? AND status = ?`),
		processed, replayID, ReplayRunning)
	if err != nil {
		return fmt.Errorf("record replay progress: %w", err)
	}
	return nil
}

// Complete marks a replay finished.
func (r *Replayer) Complete(ctx context.Context, replayID string) error {
	return r.finish(ctx, replayID, ReplayCompleted, "")
}

// Fail marks a replay failed with the cause.
func (r *Replayer) Fail(ctx context.Context, replayID, message string) error {
	return r.finish(ctx, replayID, ReplayFailed, message)
}

func (r *Replayer) finish(ctx context.Context, replayID, status, message string) error {
	var errMsg any
	if message != "" {
		errMsg = message
	}
	res, err := r.bus.db.ExecContext(ctx, r.bus.db.Rebind(
		`UPDATE replay_runs SET status = ?, end_time = ?, error_message = ?
			WHERE replay_id = ? AND status = ?`),
		status, r.bus.clock().UTC().Format(time.RFC3339Nano), errMsg, replayID, ReplayRunning)
	if err != nil {
		return fmt.Errorf("finish replay: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: running replay %s", ErrNotFound, replayID)
	}
	return nil
}

// Get returns one replay run.
func (r *Replayer) Get(ctx context.Context, replayID string) (*ReplayRun, error) {
	row := r.bus.db.QueryRowContext(ctx, r.bus.db.Rebind(
		`SELECT replay_id, consumer_group, topics, replay_from, start_time,
			end_time, events_processed, status, error_message
			FROM replay_runs WHERE replay_id = ?`), replayID)
	run, err := scanReplayRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: replay %s", ErrNotFound, replayID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan replay run: %w", err)
	}
	return run, nil
}

// List returns replay runs, newest first. With activeOnly set it returns
// only running replays.
func (r *Replayer) List(ctx context.Context, activeOnly bool) ([]*ReplayRun, error) {
	query := `SELECT replay_id, consumer_group, topics, replay_from, start_time,
		end_time, events_processed, status, error_message
		FROM replay_runs`
	args := []any{}
	if activeOnly {
		query += ` WHERE status = ?`
		args = append(args, ReplayRunning)
	}
	query += ` ORDER BY start_time DESC, replay_id DESC`

	rows, err := r.bus.db.QueryContext(ctx, r.bus.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list replay runs: %w", err)
	}
	defer rows.Close()

	var runs []*ReplayRun
	for rows.Next() {
		run, err := scanReplayRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan replay run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run performs a full replay pass: rewind the group, then redeliver stored
// messages to handler batch by batch until the group reaches the head
// offsets captured at reset time. Progress lands in replay_runs after every
// batch, and cancellation is honored at batch checkpoints; a cancelled pass
// is recorded as failed.
func (r *Replayer) Run(ctx context.Context, group string, topics []string, from time.Time, handler Handler) (*ReplayRun, error) {
	heads := make(map[string][]int64, len(topics))
	for _, topic := range topics {
		bounds := make([]int64, r.bus.partitions)
		for partition := 0; partition < r.bus.partitions; partition++ {
			head, err := r.bus.headOffset(ctx, topic, partition)
			if err != nil {
				return nil, err
			}
			bounds[partition] = head
		}
		heads[topic] = bounds
	}

	run, err := r.Start(ctx, group, topics, from)
	if err != nil {
		return nil, err
	}

	consumer := r.bus.Consumer(group, topics...)
	for {
		if err := ctx.Err(); err != nil {
			r.abort(run, "cancelled: "+err.Error())
			return run, err
		}

		n, err := consumer.Poll(ctx, handler)
		if n > 0 {
			run.EventsProcessed += int64(n)
			if err := r.RecordProgress(ctx, run.ReplayID, int64(n)); err != nil {
				r.logger.Warn("replay progress update failed", slog.Any("error", err))
			}
		}
		if err != nil && !errors.Is(err, ErrBackpressure) {
			r.abort(run, err.Error())
			return run, err
		}

		caught, cerr := r.caughtUp(ctx, group, heads)
		if cerr != nil {
			r.abort(run, cerr.Error())
			return run, cerr
		}
		if caught {
			break
		}

		if n == 0 {
			// Backpressure or an uncommitted tail; give the downstream a
			// moment before polling again.
			timer := time.NewTimer(consumer.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.abort(run, "cancelled: "+ctx.Err().Error())
				return run, ctx.Err()
			case <-timer.C:
			}
		}
	}

	if err := r.Complete(ctx, run.ReplayID); err != nil {
		return run, err
	}
	run.Status = ReplayCompleted
	now := r.bus.clock().UTC()
	run.EndTime = &now

	r.logger.Info("replay completed",
		slog.String("replay_id", run.ReplayID),
		slog.Int64("events_processed", run.EventsProcessed))
	return run, nil
}

// abort records a failed replay on a context that survives cancellation.
func (r *Replayer) abort(run *ReplayRun, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Fail(ctx, run.ReplayID, message); err != nil {
		r.logger.Warn("replay failure not recorded",
			slog.String("replay_id", run.ReplayID),
			slog.Any("error", err))
		return
	}
	run.Status = ReplayFailed
	run.ErrorMessage = message
}

func (r *Replayer) caughtUp(ctx context.Context, group string, heads map[string][]int64) (bool, error) {
	for topic, bounds := range heads {
		for partition, head := range bounds {
			if head == 0 {
				continue
			}
			committed, err := r.bus.committedOffset(ctx, group, topic, partition)
			if err != nil {
				return false, err
			}
			if committed < head {
				return false, nil
			}
		}
	}
	return true, nil
}

func scanReplayRun(scan func(dest ...any) error) (*ReplayRun, error) {
	var (
		run        ReplayRun
		topicJSON  string
		replayFrom string
		startTime  string
		endTime    sql.NullString
		errMsg     sql.NullString
	)
	if err := scan(&run.ReplayID, &run.ConsumerGroup, &topicJSON, &replayFrom,
		&startTime, &endTime, &run.EventsProcessed, &run.Status, &errMsg); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(topicJSON), &run.Topics); err != nil {
		return nil, fmt.Errorf("unmarshal topics: %w", err)
	}
	var err error
	if run.ReplayFrom, err = time.Parse(time.RFC3339Nano, replayFrom); err != nil {
		return nil, fmt.Errorf("parse replay_from: %w", err)
	}
	if run.StartTime, err = time.Parse(time.RFC3339Nano, startTime); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if endTime.Valid {
		t, err := time.Parse(time.RFC3339Nano, endTime.String)
		if err != nil {
			return nil, fmt.Errorf("parse end_time: %w", err)
		}
		run.EndTime = &t
	}
	run.ErrorMessage = errMsg.String
	return &run, nil
}
