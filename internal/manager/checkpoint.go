package manager

import (
	"context"
	"log"
	"time"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

// SyncChecker is the narrow slice of Store a CheckpointCommitter needs:
// just enough to notice a deployment has caught up to chain head and log
// it, without participating in the IndexingLoop's own commit path at all.
type SyncChecker interface {
	IsDeploymentSynced(ctx context.Context, deployment chainmodel.DeploymentID) (bool, error)
}

// CheckpointCommitter is a ticker-driven background job that periodically
// polls every registered deployment's sync status and logs transitions to
// "synced". It does not participate in block commits or hold any lease on
// the IndexingLoop's write path — the loop's single-writer commit
// discipline is untouched. This is the lease-style background-worker
// pattern adapted for a non-critical, read-only job instead of the
// multi-worker range-competition it originally served, since the core
// commit path requires exactly one writer per deployment and cannot be
// split across lease-holding workers.
type CheckpointCommitter struct {
	manager *InstanceManager
	checker SyncChecker
	period  time.Duration
	logger  *log.Logger

	synced map[chainmodel.DeploymentID]bool
}

// NewCheckpointCommitter returns a committer polling every period for
// sync-status transitions across every deployment currently registered
// with manager.
func NewCheckpointCommitter(manager *InstanceManager, checker SyncChecker, period time.Duration, logger *log.Logger) *CheckpointCommitter {
	if period <= 0 {
		period = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CheckpointCommitter{
		manager: manager,
		checker: checker,
		period:  period,
		logger:  logger,
		synced:  make(map[chainmodel.DeploymentID]bool),
	}
}

// Start launches the polling goroutine; it exits when ctx is done.
func (c *CheckpointCommitter) Start(ctx context.Context) {
	c.logger.Printf("checkpoint committer: starting, period=%s", c.period)
	go c.runLoop(ctx)
}

func (c *CheckpointCommitter) runLoop(ctx context.Context) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("checkpoint committer: stopping")
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *CheckpointCommitter) pollOnce(ctx context.Context) {
	c.manager.mu.RLock()
	ids := make([]chainmodel.DeploymentID, 0, len(c.manager.running))
	for id := range c.manager.running {
		ids = append(ids, id)
	}
	c.manager.mu.RUnlock()

	for _, id := range ids {
		synced, err := c.checker.IsDeploymentSynced(ctx, id)
		if err != nil {
			c.logger.Printf("checkpoint committer: check sync status for %s: %v", id, err)
			continue
		}
		if synced && !c.synced[id] {
			c.logger.Printf("checkpoint committer: deployment %s reached chain head", id)
		}
		c.synced[id] = synced
	}
}
