package coordinator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Maintenance periodically recompiles every registered service's
// snapshot and checkpoints each service's adaptive table to its SQLite
// mirror where one is open. Allow, Suppress and Detect change the store
// without recompiling, so outside explicit Snapshot calls this job is
// what brings the published version up to date.
type Maintenance struct {
	coord *Coordinator
	sched *cron.Cron
	log   *zap.Logger
}

// NewMaintenance builds a Maintenance scheduler bound to coord. spec
// carries no mandated schedule, so the host supplies one (e.g. "@every
// 30s") when calling Start.
func NewMaintenance(coord *Coordinator, log *zap.Logger) *Maintenance {
	if log == nil {
		log = zap.NewNop()
	}
	return &Maintenance{
		coord: coord,
		sched: cron.New(),
		log:   log.Named("maintenance"),
	}
}

// Start registers the recompile and checkpoint jobs on spec and begins
// running them.
func (m *Maintenance) Start(spec string) error {
	if _, err := m.sched.AddFunc(spec, m.recompileAll); err != nil {
		return err
	}
	if _, err := m.sched.AddFunc(spec, m.checkpointAll); err != nil {
		return err
	}
	m.sched.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (m *Maintenance) Stop() {
	ctx := m.sched.Stop()
	<-ctx.Done()
}

func (m *Maintenance) recompileAll() {
	m.coord.mu.RLock()
	serviceIDs := make([]string, 0, len(m.coord.services))
	for id := range m.coord.services {
		serviceIDs = append(serviceIDs, id)
	}
	m.coord.mu.RUnlock()

	for _, id := range serviceIDs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := m.coord.Snapshot(ctx, id); err != nil {
			m.log.Warn("periodic recompile failed", zap.String("service_id", id), zap.Error(err))
		}
		cancel()
	}
}

func (m *Maintenance) checkpointAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.coord.CheckpointAll(ctx); err != nil {
		m.log.Warn("periodic adaptive checkpoint failed", zap.Error(err))
	}
}
