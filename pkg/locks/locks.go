package locks

import (
	"context"

	"github.com/google/uuid"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/metrics"
	"github.com/vyvo/compute/buildcache/pkg/process"
	"github.com/vyvo/compute/buildcache/pkg/queue"
)

// AcquireBuildLocks marks the worker and builder as building. Admission over
// the named locks happens before the build starts, so this never waits.
type AcquireBuildLocks struct {
	Locks   []string
	Metrics *metrics.Recorder
}

func (a *AcquireBuildLocks) Name() string { return "Acquire Build Worker" }

func (a *AcquireBuildLocks) Run(ctx context.Context, b *process.Build, st *process.StepStatus) (buildstore.Result, error) {
	st.Hidden = true
	st.SetText("Acquiring build worker to complete build.")

	token := uuid.NewString()
	b.AttachLocks(a.Locks, token)
	b.Worker.Transition(process.WorkerIdle, process.WorkerBuilding)
	b.Builder.TransitionBigState(process.BigStateIdle, process.BigStateBuilding)

	a.Metrics.LockTransition("acquire")
	b.Logger().Info("build locks acquired", "worker", b.Worker.Name, "builder", b.Builder.Name, "token", token)
	return buildstore.Success, nil
}

// ReleaseBuildLocks returns the worker and builder to idle and wakes the
// scheduler for the worker. It runs even when the build failed or was reused.
type ReleaseBuildLocks struct {
	Signaler queue.Signaler
	Metrics  *metrics.Recorder
}

func (r *ReleaseBuildLocks) Name() string { return "Release Builder Locks" }

func (r *ReleaseBuildLocks) AlwaysRun() bool { return true }

func (r *ReleaseBuildLocks) Run(ctx context.Context, b *process.Build, st *process.StepStatus) (buildstore.Result, error) {
	st.Hidden = true
	st.SetText("Releasing build locks.")

	_, token := b.Locks()
	b.Worker.SetState(process.WorkerIdle)
	b.Builder.SetBigState(process.BigStateIdle)
	r.Metrics.LockTransition("release")

	if r.Signaler != nil {
		if err := r.Signaler.Signal(ctx, b.Worker.Name); err != nil {
			b.Logger().Error("wake-up signal failed", "worker", b.Worker.Name, "error", err)
		}
	}
	b.Logger().Info("build locks released", "worker", b.Worker.Name, "builder", b.Builder.Name, "token", token)
	return buildstore.Success, nil
}
