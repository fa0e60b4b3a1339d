package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/attachlink/attachlink/internal/config"
	"github.com/attachlink/attachlink/internal/models"
	"github.com/attachlink/attachlink/internal/repository"
	"github.com/attachlink/attachlink/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachlink_sweep_runs_total",
		Help: "Total number of completed sweep cycles",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attachlink_sweep_duration_seconds",
		Help:    "Duration of sweep cycles in seconds",
		Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
	})
	sweepFoldersDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachlink_sweep_folders_deleted_total",
		Help: "Total number of expired share folders reclaimed",
	})
	sweepDocumentsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachlink_sweep_documents_deleted_total",
		Help: "Total number of expired documents reclaimed",
	})
	sweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachlink_sweep_errors_total",
		Help: "Total number of sweep failures by scope",
	}, []string{"scope"})
)

// sweepBatchKey partitions expired folders so each (context, user) pair gets
// one storage transaction instead of one per folder.
type sweepBatchKey struct {
	cid   int
	owner int
}

// Sweeper is the recurring job reclaiming expired share folders across every
// tenant schema. One instance per process; a run never overlaps itself.
// Cancellation is cooperative: the context is checked between tenants, rows
// and batches, never mid-row.
type Sweeper struct {
	registry  *repository.TenantRegistry
	storageID string
	interval  time.Duration
	maxDelay  time.Duration

	// now is injectable for tests.
	now func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	// sweepMu serializes cycles when a manual trigger races the timer.
	sweepMu sync.Mutex
}

func NewSweeper(registry *repository.TenantRegistry, cfg *config.Config) *Sweeper {
	return &Sweeper{
		registry:  registry,
		storageID: cfg.Storage.StorageID,
		interval:  cfg.Sweep.Interval,
		maxDelay:  cfg.Sweep.MaxInitialDelay,
		now:       time.Now,
		doneCh:    make(chan struct{}),
	}
}

// Start launches the background loop: a randomized initial delay (so several
// server instances don't sweep in lockstep), then one cycle per interval.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop cancels the loop and any in-flight cycle, then waits for the loop to
// exit. In-flight batches stop at their next check point; completed batches
// stay committed.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	var initialDelay time.Duration
	if s.maxDelay > 0 {
		initialDelay = time.Duration(rand.Int63n(int64(s.maxDelay)))
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Sweep cycle failed")
	}
}

// RunOnce sweeps every tenant schema once. A tenant's failure is logged and
// the cycle continues with the next one; only cancellation stops it.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := s.now()
	schemas, err := s.registry.List()
	if err != nil {
		sweepErrors.WithLabelValues("registry").Inc()
		return fmt.Errorf("list tenant schemas: %w", err)
	}

	threshold := start.UnixMilli()
	for _, schema := range schemas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sweepSchema(ctx, schema, threshold); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// One tenant must never abort the whole cycle.
			sweepErrors.WithLabelValues("schema").Inc()
			logger.Error().Err(err).Str("schema", schema).Msg("Failed to sweep tenant schema")
		}
	}

	sweepRuns.Inc()
	sweepDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (s *Sweeper) sweepSchema(ctx context.Context, schema string, threshold int64) error {
	tenant, err := s.registry.Get(schema)
	if err != nil {
		return err
	}

	candidates, err := tenant.Folders.FindExpiring(ctx)
	if err != nil {
		return fmt.Errorf("find expiring folders: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	// Keep only folders this storage instance owns an expiry for. Metadata
	// stamped by another storage instance, or unparseable values, are
	// ignored rather than treated as errors.
	key := models.ExpiryMetadataKey(s.storageID)
	batches := make(map[sweepBatchKey][]models.ExpiredFolder)
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		millis, ok := models.ExpiryFromMeta(candidate.Meta, key)
		if !ok || millis >= threshold {
			continue
		}
		k := sweepBatchKey{cid: candidate.ContextID, owner: candidate.OwnerID}
		batches[k] = append(batches[k], candidate)
	}

	for k, folders := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sweepBatch(ctx, tenant, k, folders, threshold); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// A failed batch rolls back alone; the remaining batches still run.
			sweepErrors.WithLabelValues("batch").Inc()
			logger.Warn().
				Err(err).
				Str("schema", schema).
				Int("context_id", k.cid).
				Int("user_id", k.owner).
				Msg("Failed to sweep batch")
		}
	}

	return nil
}

// sweepBatch reclaims one (context, user) group of expired folders inside a
// single storage transaction.
func (s *Sweeper) sweepBatch(ctx context.Context, tenant *repository.Tenant, k sweepBatchKey, folders []models.ExpiredFolder, threshold int64) error {
	txn, err := BeginStorageTransaction(ctx, tenant)
	if err != nil {
		return err
	}
	defer txn.Finish()

	var foldersDeleted, documentsDeleted int
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		folderRemoved, docsRemoved, err := s.sweepFolder(txn, k.cid, folder, threshold)
		if err != nil {
			return fmt.Errorf("sweep folder %d: %w", folder.FolderID, err)
		}
		if folderRemoved {
			foldersDeleted++
		}
		documentsDeleted += docsRemoved
	}

	if err := txn.Commit(); err != nil {
		return err
	}

	sweepFoldersDeleted.Add(float64(foldersDeleted))
	sweepDocumentsDeleted.Add(float64(documentsDeleted))
	if foldersDeleted > 0 || documentsDeleted > 0 {
		logger.Audit("share_sweep", fmt.Sprintf("%d", k.owner), map[string]string{
			"schema":            tenant.Schema,
			"context_id":        fmt.Sprintf("%d", k.cid),
			"folders_deleted":   fmt.Sprintf("%d", foldersDeleted),
			"documents_deleted": fmt.Sprintf("%d", documentsDeleted),
		})
	}
	return nil
}

// sweepFolder classifies a folder's documents against the threshold and
// applies the result:
//
//   - expired documents (strictly past the threshold) are batch-deleted;
//   - a document without expiry metadata pins the folder forever, so the
//     folder-level expiry is stripped and the sweeper never revisits it;
//   - otherwise the folder's expiry becomes the soonest remaining document
//     expiration, or the folder is deleted when nothing relevant remains.
func (s *Sweeper) sweepFolder(txn *StorageTransaction, cid int, folder models.ExpiredFolder, threshold int64) (folderRemoved bool, docsRemoved int, err error) {
	key := models.ExpiryMetadataKey(s.storageID)

	docs, err := txn.Documents().GetDocuments(cid, folder.FolderID)
	if err != nil {
		return false, 0, err
	}

	var expiredIDs []string
	var soonest *int64
	keepForever := false
	for _, doc := range docs {
		millis, ok := models.ExpiryFromMeta(doc.Meta, key)
		switch {
		case !ok:
			keepForever = true
		case millis < threshold:
			expiredIDs = append(expiredIDs, doc.ID)
		default:
			if soonest == nil || millis < *soonest {
				soonest = &millis
			}
		}
	}

	if err := txn.Documents().RemoveDocuments(cid, expiredIDs); err != nil {
		return false, 0, err
	}

	switch {
	case keepForever:
		meta := folder.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		delete(meta, key)
		if err := txn.Folders().UpdateMeta(cid, folder.FolderID, meta); err != nil {
			return false, 0, err
		}
	case soonest != nil:
		meta := folder.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		meta[key] = *soonest
		if err := txn.Folders().UpdateMeta(cid, folder.FolderID, meta); err != nil {
			return false, 0, err
		}
	default:
		if err := txn.Folders().DeleteFolder(cid, folder.FolderID); err != nil {
			return false, 0, err
		}
		folderRemoved = true
	}

	return folderRemoved, len(expiredIDs), nil
}
