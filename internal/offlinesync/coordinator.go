package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"learnsync/internal/client"
	"learnsync/internal/metrics"
	"learnsync/pkg/interfaces"
	"learnsync/pkg/types"
)

const msgSyncFailed = "Failed to sync offline data"

// Uploader sends a batch of attempts to the backend in one call.
type Uploader interface {
	SyncOffline(ctx context.Context, attempts []types.AttemptPayload) (*client.SyncResponse, error)
}

// Options tunes the coordinator.
type Options struct {
	// SyncOnEnqueue starts a background pass after each enqueue while online.
	SyncOnEnqueue bool
}

// Coordinator drains the attempt queue to the backend. Only one pass runs at
// a time; a trigger that finds a pass running is dropped.
type Coordinator struct {
	queue     interfaces.AttemptQueue
	uploader  Uploader
	publisher interfaces.StatusPublisher
	session   interfaces.SessionReader
	opts      Options

	passMu sync.Mutex
	online atomic.Bool

	statusMu sync.RWMutex
	pending  int
	syncing  bool
	lastSync *types.SyncResult

	background sync.WaitGroup
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewCoordinator wires the coordinator. publisher and session may be nil.
func NewCoordinator(queue interfaces.AttemptQueue, uploader Uploader, publisher interfaces.StatusPublisher,
	session interfaces.SessionReader, opts Options, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		queue:     queue,
		uploader:  uploader,
		publisher: publisher,
		session:   session,
		opts:      opts,
		logger:    logger.Named("offlinesync"),
		metrics:   m,
		now:       time.Now,
	}
}

// Start reports how many attempts are waiting from a previous run.
func (c *Coordinator) Start(ctx context.Context) (int, error) {
	n, err := c.queue.CountUnsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending attempts: %w", err)
	}
	c.setPending(n)
	c.logger.Info("offline queue loaded", zap.Int("pending", n))
	c.publish(types.EventStatus, "")
	return n, nil
}

// Enqueue stores an attempt. The attempt is durable once this returns nil,
// whether or not the backend is reachable.
func (c *Coordinator) Enqueue(ctx context.Context, payload types.AttemptPayload) (int64, error) {
	id, err := c.queue.EnqueueAttempt(ctx, payload)
	if err != nil {
		return 0, err
	}
	c.metrics.AttemptQueued()

	// A pass running now may already have counted this record.
	if n, err := c.queue.CountUnsynced(ctx); err == nil {
		c.setPending(n)
	} else {
		c.logger.Warn("pending count not refreshed", zap.Int64("attempt_id", id), zap.Error(err))
		c.statusMu.Lock()
		c.pending++
		c.statusMu.Unlock()
	}
	c.publish(types.EventStatus, "")

	if c.opts.SyncOnEnqueue && c.Online() {
		c.kick()
	}
	return id, nil
}

// SetOnline records a connectivity observation. A transition from offline to
// online starts a pass in the background.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	c.metrics.SetOnline(online)
	if was == online {
		return
	}
	c.logger.Info("connectivity changed", zap.Bool("online", online))
	c.publish(types.EventStatus, "")
	if online {
		c.kick()
	}
}

func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// OnOnline is the reconnect trigger.
func (c *Coordinator) OnOnline(ctx context.Context) (*types.SyncResult, error) {
	c.online.Store(true)
	return c.run(ctx, "online")
}

// SyncNow is the manual trigger.
func (c *Coordinator) SyncNow(ctx context.Context) (*types.SyncResult, error) {
	return c.run(ctx, "manual")
}

// Wait blocks until background passes have finished.
func (c *Coordinator) Wait() {
	c.background.Wait()
}

// Status returns the banner state.
func (c *Coordinator) Status() types.Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	s := types.Status{
		Online:  c.online.Load(),
		Pending: c.pending,
		Syncing: c.syncing,
	}
	if c.lastSync != nil {
		last := *c.lastSync
		s.LastSync = &last
	}
	return s
}

func (c *Coordinator) kick() {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if _, err := c.run(context.Background(), "background"); err != nil && !errors.Is(err, ErrSyncInProgress) {
			c.logger.Debug("background sync did not complete", zap.Error(err))
		}
	}()
}

func (c *Coordinator) run(ctx context.Context, trigger string) (*types.SyncResult, error) {
	if !c.passMu.TryLock() {
		c.metrics.ObserveSyncPass(metrics.OutcomeSkipped, 0)
		c.logger.Debug("sync trigger dropped", zap.String("trigger", trigger))
		return nil, ErrSyncInProgress
	}
	defer c.passMu.Unlock()

	if c.session != nil && !c.session.CanAttemptProtected() {
		c.metrics.ObserveSyncPass(metrics.OutcomeSkipped, 0)
		return nil, ErrNoSession
	}

	c.setSyncing(true)
	c.publish(types.EventStatus, "")

	result, err := c.pass(ctx)
	result.At = c.now().UTC()

	c.statusMu.Lock()
	c.syncing = false
	c.lastSync = result
	c.statusMu.Unlock()

	switch {
	case err != nil:
		c.metrics.ObserveSyncPass(metrics.OutcomeFailure, 0)
		c.logger.Warn("sync pass failed", zap.String("trigger", trigger), zap.Error(err))
		c.publish(types.EventSyncFailed, result.Message)
	case result.Attempted == 0:
		c.metrics.ObserveSyncPass(metrics.OutcomeEmpty, 0)
		c.publish(types.EventStatus, "")
	case result.Accepted < result.Attempted:
		c.metrics.ObserveSyncPass(metrics.OutcomePartial, result.Accepted)
		c.logger.Info("sync pass partially accepted",
			zap.String("trigger", trigger),
			zap.Int("attempted", result.Attempted),
			zap.Int("accepted", result.Accepted),
			zap.Strings("errors", result.Errors))
		c.publish(types.EventSyncSucceeded, result.Message)
	default:
		c.metrics.ObserveSyncPass(metrics.OutcomeSuccess, result.Accepted)
		c.logger.Info("sync pass complete",
			zap.String("trigger", trigger), zap.Int("accepted", result.Accepted))
		c.publish(types.EventSyncSucceeded, result.Message)
	}
	return result, err
}

// pass does one read-send-mark cycle. On failure nothing local is changed.
func (c *Coordinator) pass(ctx context.Context) (*types.SyncResult, error) {
	result := &types.SyncResult{}

	records, err := c.queue.ListUnsynced(ctx)
	if err != nil {
		result.Err = err
		result.Message = msgSyncFailed
		return result, err
	}
	n := len(records)
	result.Attempted = n
	if n == 0 {
		c.setPending(0)
		return result, nil
	}

	payloads := make([]types.AttemptPayload, n)
	for i, rec := range records {
		payloads[i] = rec.Payload
	}

	resp, err := c.uploader.SyncOffline(ctx, payloads)
	if err != nil {
		result.Err = err
		result.Message = msgSyncFailed
		result.Pending = n
		return result, err
	}

	k := resp.SyncedCount
	if k < 0 {
		k = 0
	}
	if k > n {
		k = n
	}
	result.Accepted = k
	result.Errors = resp.Errors

	// The backend has the batch now. Local bookkeeping must finish even if
	// the caller goes away, or accepted attempts would be resent as duplicates
	// the backend no longer counts.
	ctx = context.WithoutCancel(ctx)

	// The backend reports a count, not which attempts it kept, so the
	// oldest k are taken as accepted.
	ids := make([]int64, k)
	for i := 0; i < k; i++ {
		ids[i] = records[i].ID
	}
	if err := c.queue.MarkSyncedBatch(ctx, ids); err != nil {
		c.logger.Error("accepted attempts not marked, they will be resent",
			zap.Int("count", k), zap.Error(err))
	}

	result.Pending = n - k
	c.setPending(result.Pending)
	if exact, err := c.queue.CountUnsynced(ctx); err == nil {
		result.Pending = exact
		c.setPending(exact)
	}

	pruned, err := c.queue.PruneSynced(ctx)
	if err != nil {
		c.logger.Warn("failed to prune synced attempts", zap.Error(err))
	}
	result.Pruned = pruned

	result.Message = fmt.Sprintf("Synced %d offline attempts", k)
	return result, nil
}

func (c *Coordinator) setPending(n int) {
	if n < 0 {
		n = 0
	}
	c.statusMu.Lock()
	c.pending = n
	c.statusMu.Unlock()
	c.metrics.SetPending(n)
}

func (c *Coordinator) setSyncing(v bool) {
	c.statusMu.Lock()
	c.syncing = v
	c.statusMu.Unlock()
}

func (c *Coordinator) publish(kind, message string) {
	if c.publisher == nil {
		return
	}
	event := types.Event{
		Type:      kind,
		Status:    c.Status(),
		Message:   message,
		Timestamp: c.now().UTC(),
	}
	if err := c.publisher.Publish(event); err != nil {
		c.logger.Debug("status event not published", zap.String("type", kind), zap.Error(err))
	}
}
