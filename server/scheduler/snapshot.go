package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/store"
)

// snapshotLockTTL outlives any realistic snapshot run, so a crashed holder
// does not block the next night.
const snapshotLockTTL = 10 * time.Minute

// TakeSnapshot freezes the employees table into an auto snapshot and prunes
// old ones. The job belongs to the worker leader; a bot leader picks it up
// only while no worker node is alive. The named lock closes the window where
// both kinds consider themselves responsible.
func (s *Scheduler) TakeSnapshot(ctx context.Context) error {
	run, err := s.shouldTakeSnapshot(ctx)
	if err != nil {
		return err
	}
	if !run {
		return nil
	}

	acquired, err := s.leader.Acquire(ctx, "employee-snapshot", snapshotLockTTL)
	if err != nil {
		return errors.Wrap(err, "acquiring snapshot lock")
	}
	if !acquired {
		slog.Info("scheduler: snapshot already taken by another node")
		return nil
	}
	defer func() {
		if err := s.leader.Release(ctx, "employee-snapshot"); err != nil {
			slog.Warn("scheduler: failed to release snapshot lock", "error", err)
		}
	}()

	records, err := s.store.ListEmployeeRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "listing employee records")
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot payload")
	}

	now := s.now()
	id, err := s.store.CreateEmployeeSnapshot(ctx, &store.EmployeeSnapshot{
		Name:      "auto-" + now.Format("2006-01-02"),
		Kind:      store.SnapshotKindAuto,
		CreatedBy: "scheduler",
		CreatedAt: now,
		Payload:   payload,
	})
	if err != nil {
		return errors.Wrap(err, "creating snapshot")
	}

	pruned, err := s.store.PruneAutoSnapshots(ctx, snapshotKeep)
	if err != nil {
		return errors.Wrap(err, "pruning snapshots")
	}
	slog.Info("scheduler: employee snapshot taken", "snapshot", id, "employees", len(records), "pruned", pruned)
	return nil
}

func (s *Scheduler) shouldTakeSnapshot(ctx context.Context) (bool, error) {
	if !s.leader.IsLeader() {
		return false, nil
	}
	switch s.kind {
	case profile.NodeKindWorker:
		return true, nil
	case profile.NodeKindBot:
		workerAlive, err := s.store.HasActiveNode(ctx, profile.NodeKindWorker, workerStaleAfter)
		if err != nil {
			return false, errors.Wrap(err, "checking worker nodes")
		}
		return !workerAlive, nil
	}
	return false, nil
}
