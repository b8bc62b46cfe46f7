package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/synapse/internal/embedding"
	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

func entityEmbedding(vec []float32, model string) types.EntityEmbedding {
	return types.EntityEmbedding{Vector: vec, Model: model, LastUpdated: time.Now().UTC()}
}

// Job priorities. Higher runs first when jobs coalesce.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

const (
	defaultEmbedWorkers  = 2
	defaultMaxAttempts   = 3
	embedQueueCapacity   = 4096
	backoffBaseDelay     = 100 * time.Millisecond
	backoffMaxDelay      = 10 * time.Second
	defaultRatePerWindow = 20
	defaultRateWindow    = time.Minute
)

// embedJob is one pending embedding refresh for an entity.
type embedJob struct {
	name     string
	priority int
	attempts int
}

// EmbedJobStats is a snapshot of the job manager's counters.
type EmbedJobStats struct {
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Coalesced int64 `json:"coalesced"`
	Dropped   int64 `json:"dropped"`
}

// EmbedJobConfig configures the job manager.
type EmbedJobConfig struct {
	Workers     int
	MaxAttempts int

	// RatePerWindow embedding calls are allowed per RateWindow, enforced
	// with a token bucket shared by all workers.
	RatePerWindow int
	RateWindow    time.Duration
}

// EmbedJobManager keeps entity embeddings in sync with entity text. Mutations
// schedule a refresh after commit; workers embed the canonical text and write
// the vector through the store and index. A vector failure never affects the
// already-committed graph write.
type EmbedJobManager struct {
	store    storage.GraphStore
	index    storage.VectorIndex
	provider embedding.Provider
	limiter  *rate.Limiter

	workers     int
	maxAttempts int

	mu       sync.Mutex
	pending  map[string]*embedJob
	inflight map[string]bool

	queue chan string
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once

	processed int64
	failed    int64
	coalesced int64
	dropped   int64
}

// NewEmbedJobManager wires the manager. provider may be nil, in which case
// Schedule becomes a no-op and the graph runs without embeddings.
func NewEmbedJobManager(store storage.GraphStore, index storage.VectorIndex, provider embedding.Provider, cfg EmbedJobConfig) *EmbedJobManager {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultEmbedWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RatePerWindow <= 0 {
		cfg.RatePerWindow = defaultRatePerWindow
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}

	return &EmbedJobManager{
		store:       store,
		index:       index,
		provider:    provider,
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RatePerWindow)/cfg.RateWindow.Seconds()), cfg.RatePerWindow),
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		pending:     make(map[string]*embedJob),
		inflight:    make(map[string]bool),
		queue:       make(chan string, embedQueueCapacity),
		stop:        make(chan struct{}),
	}
}

// Schedule enqueues an embedding refresh for an entity. Repeated schedules
// for the same name coalesce into one job carrying the highest priority seen.
// While a refresh for the name is in flight, the new job waits for it to land
// before being requeued, so at most one refresh per entity runs at a time and
// the latest text always embeds last.
func (m *EmbedJobManager) Schedule(name string, priority int) {
	if m.provider == nil || name == "" {
		return
	}

	m.mu.Lock()
	if job, ok := m.pending[name]; ok {
		if priority > job.priority {
			job.priority = priority
		}
		m.coalesced++
		m.mu.Unlock()
		return
	}
	m.pending[name] = &embedJob{name: name, priority: priority}
	deferred := m.inflight[name]
	m.mu.Unlock()
	if deferred {
		// finish requeues once the current flight lands.
		return
	}

	select {
	case m.queue <- name:
	default:
		m.mu.Lock()
		delete(m.pending, name)
		m.dropped++
		m.mu.Unlock()
		log.Printf("WARNING: embed jobs: queue full, dropping refresh for %q", name)
	}
}

// Start launches the worker pool. Workers run until Shutdown.
func (m *EmbedJobManager) Start(ctx context.Context) {
	if m.provider == nil {
		log.Printf("WARNING: embed jobs: no embedding provider configured, vector search will be empty")
		return
	}
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
}

func (m *EmbedJobManager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case name := <-m.queue:
			if job, ok := m.claim(name); ok {
				m.process(ctx, job)
				m.finish(name)
			}
		}
	}
}

// claim moves a pending job into the in-flight set.
func (m *EmbedJobManager) claim(name string) (*embedJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.pending[name]
	if !ok {
		return nil, false
	}
	delete(m.pending, name)
	m.inflight[name] = true
	return job, true
}

// finish clears the in-flight mark and requeues the name if a fresh schedule
// arrived while the refresh ran.
func (m *EmbedJobManager) finish(name string) {
	m.mu.Lock()
	delete(m.inflight, name)
	_, rescheduled := m.pending[name]
	m.mu.Unlock()
	if !rescheduled {
		return
	}
	select {
	case m.queue <- name:
	default:
		m.mu.Lock()
		delete(m.pending, name)
		m.dropped++
		m.mu.Unlock()
	}
}

func (m *EmbedJobManager) process(ctx context.Context, job *embedJob) {
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	err := m.refresh(ctx, job.name)
	if err == nil {
		m.mu.Lock()
		m.processed++
		m.mu.Unlock()
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		// Entity deleted between commit and refresh; nothing to embed.
		return
	}

	job.attempts++
	if job.attempts >= m.maxAttempts {
		m.mu.Lock()
		m.failed++
		m.mu.Unlock()
		log.Printf("ERROR: embed jobs: giving up on %q after %d attempts: %v", job.name, job.attempts, err)
		return
	}

	delay := backoffBaseDelay * time.Duration(job.attempts*job.attempts)
	if delay > backoffMaxDelay {
		delay = backoffMaxDelay
	}
	log.Printf("WARNING: embed jobs: refresh for %q failed (attempt %d), retrying in %s: %v",
		job.name, job.attempts, delay, err)

	select {
	case <-time.After(delay):
	case <-m.stop:
		return
	case <-ctx.Done():
		return
	}

	m.mu.Lock()
	if existing, ok := m.pending[job.name]; ok {
		// A newer schedule arrived while backing off; let it win.
		if job.priority > existing.priority {
			existing.priority = job.priority
		}
		m.coalesced++
	} else {
		m.pending[job.name] = job
	}
	m.mu.Unlock()
	// The caller's finish requeues the name once this flight lands.
}

// refresh embeds the entity's canonical text and writes the vector through
// the store and the companion index.
func (m *EmbedJobManager) refresh(ctx context.Context, name string) error {
	entity, err := m.store.GetEntity(ctx, name)
	if err != nil {
		return err
	}

	text := entity.ObservationText()
	if text == "" {
		return nil
	}

	vec, err := m.provider.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %q: %w", name, err)
	}

	if err := m.store.UpdateEntityEmbedding(ctx, name, entityEmbedding(vec, m.provider.Model())); err != nil {
		return fmt.Errorf("store embedding for %q: %w", name, err)
	}
	if m.index != nil {
		if err := m.index.AddVector(ctx, name, vec, storage.VectorTags{
			EntityType: entity.EntityType,
			Model:      m.provider.Model(),
		}); err != nil {
			// The BYTEA copy is already written; the index converges on the
			// next refresh.
			log.Printf("WARNING: embed jobs: vector index write for %q failed: %v", name, err)
		}
	}
	return nil
}

// ProcessJobs synchronously runs up to maxN queued refreshes on the calling
// goroutine, subject to the shared rate limit. It returns the number of jobs
// processed. Batch tooling uses it in place of the background workers; with
// workers running it simply competes for the same queue.
func (m *EmbedJobManager) ProcessJobs(ctx context.Context, maxN int) (int, error) {
	if m.provider == nil {
		return 0, nil
	}
	if maxN <= 0 {
		maxN = defaultRatePerWindow
	}
	n := 0
	for n < maxN {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case name := <-m.queue:
			if job, ok := m.claim(name); ok {
				m.process(ctx, job)
				m.finish(name)
				n++
			}
		default:
			return n, nil
		}
	}
	return n, nil
}

// Drain blocks until no refresh is queued, pending, or in flight, or the
// context expires. Test helper and shutdown aid.
func (m *EmbedJobManager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		empty := len(m.pending) == 0 && len(m.queue) == 0 && len(m.inflight) == 0
		m.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops the workers and waits for in-flight jobs, bounded by ctx.
func (m *EmbedJobManager) Shutdown(ctx context.Context) error {
	m.once.Do(func() { close(m.stop) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("embed jobs: shutdown timed out: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the manager's counters.
func (m *EmbedJobManager) Stats() EmbedJobStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return EmbedJobStats{
		Queued:    len(m.pending),
		InFlight:  len(m.inflight),
		Processed: m.processed,
		Failed:    m.failed,
		Coalesced: m.coalesced,
		Dropped:   m.dropped,
	}
}
