package runtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/fetchctrl/internal/coordinator"
	"github.com/l0p7/fetchctrl/internal/metrics"
	"github.com/l0p7/fetchctrl/internal/store"
)

const defaultMirrorQueue = 256

// mirrorJob carries one applied transition to the store worker. Jobs from a
// retired coordinator are skipped; purge jobs drop every entry of a resource.
type mirrorJob struct {
	resource string
	retired  *atomic.Bool
	purge    bool
	reset    bool
	build    func() (stored []store.Entry, removed []string, err error)
}

// mirror copies published snapshots into a SnapshotStore on a single worker
// so coordinators never wait on the backend.
type mirror struct {
	store   store.SnapshotStore
	metrics *metrics.Recorder
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan mirrorJob
	done   chan struct{}
}

func newMirror(s store.SnapshotStore, rec *metrics.Recorder, logger *slog.Logger, size int) *mirror {
	if size <= 0 {
		size = defaultMirrorQueue
	}
	m := &mirror{
		store:   s,
		metrics: rec,
		logger:  logger.With(slog.String("agent", "snapshot_mirror")),
		queue:   make(chan mirrorJob, size),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mirror) enqueue(job mirrorJob) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- job:
	default:
		m.metrics.ObserveStoreOperation(metrics.StoreOperationStore, metrics.StoreResultDropped, 0)
		m.logger.Warn("snapshot mirror queue full, dropping transition", slog.String("resource", job.resource))
	}
}

func (m *mirror) purge(resource string) {
	m.enqueue(mirrorJob{resource: resource, purge: true})
}

// close stops accepting jobs and waits until the queued ones are written.
func (m *mirror) close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mirror) run() {
	defer close(m.done)
	for job := range m.queue {
		m.apply(job)
	}
}

func (m *mirror) apply(job mirrorJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dropAll := func() error {
		return m.store.DeletePrefix(ctx, store.ResourcePrefix(job.resource))
	}
	if job.purge {
		m.observe(metrics.StoreOperationDelete, dropAll)
		return
	}
	if job.retired != nil && job.retired.Load() {
		return
	}
	if job.reset {
		m.observe(metrics.StoreOperationDelete, dropAll)
	}
	stored, removed, err := job.build()
	if err != nil {
		m.metrics.ObserveStoreOperation(metrics.StoreOperationStore, metrics.StoreResultError, 0)
		m.logger.Warn("snapshot encode failed", slog.String("resource", job.resource), slog.Any("error", err))
		return
	}
	for _, key := range removed {
		m.observe(metrics.StoreOperationDelete, func() error {
			return m.store.Delete(ctx, store.Key(job.resource, key))
		})
	}
	for _, entry := range stored {
		m.observe(metrics.StoreOperationStore, func() error {
			return m.store.Store(ctx, store.Key(job.resource, entry.Key), entry)
		})
	}
}

func (m *mirror) observe(op metrics.StoreOperation, fn func() error) {
	start := time.Now()
	err := fn()
	result := metrics.StoreResultOK
	if err != nil {
		result = metrics.StoreResultError
		m.logger.Warn("snapshot store operation failed", slog.String("operation", string(op)), slog.Any("error", err))
	}
	m.metrics.ObserveStoreOperation(op, result, time.Since(start))
}

// mirrorObserver turns coordinator transitions into mirror jobs. Cache-wide
// events rewrite the whole resource.
func mirrorObserver[K comparable](m *mirror, retired *atomic.Bool, name func(K) string) coordinator.Observer[K, any] {
	return func(tr coordinator.Transition[K, any]) {
		keys := tr.Keys
		reset := keys == nil
		snapshot := tr.State
		m.enqueue(mirrorJob{
			resource: tr.Resource,
			retired:  retired,
			reset:    reset,
			build: func() ([]store.Entry, []string, error) {
				targets := keys
				if reset {
					targets = make([]K, 0, len(snapshot))
					for key := range snapshot {
						targets = append(targets, key)
					}
				}
				var stored []store.Entry
				var removed []string
				for _, key := range targets {
					s, ok := snapshot.Get(key)
					if !ok {
						removed = append(removed, name(key))
						continue
					}
					entry, err := store.FromState(tr.Resource, name(key), s)
					if err != nil {
						return nil, nil, err
					}
					stored = append(stored, entry)
				}
				sort.Strings(removed)
				return stored, removed, nil
			},
		})
	}
}
