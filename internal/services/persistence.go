package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"afteryou/internal/middleware"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrShuttingDown = errors.New("persistence service is shutting down")
	ErrQueueFull    = errors.New("persistence queue is full")
)

// PersistJob carries the latest encoded value of one persist unit. A nil
// Value deletes the unit.
type PersistJob struct {
	Key      string
	Value    json.RawMessage
	QueuedAt time.Time
}

// jobQueue holds at most one pending job per key. A newer value for a key
// that is still waiting replaces it in place.
type jobQueue struct {
	mu      sync.Mutex
	order   []string
	pending map[string]PersistJob
	limit   int
	closed  bool
	wake    chan struct{}
}

func newJobQueue(limit int) *jobQueue {
	return &jobQueue{
		pending: make(map[string]PersistJob),
		limit:   limit,
		wake:    make(chan struct{}, 1),
	}
}

func (q *jobQueue) push(job PersistJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}
	if _, ok := q.pending[job.Key]; ok {
		q.pending[job.Key] = job
		return nil
	}
	if len(q.order) >= q.limit {
		return ErrQueueFull
	}
	q.order = append(q.order, job.Key)
	q.pending[job.Key] = job

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop returns the oldest key's job. done is true once the queue is closed
// and empty.
func (q *jobQueue) pop() (job PersistJob, ok, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return PersistJob{}, false, q.closed
	}
	key := q.order[0]
	q.order = q.order[1:]
	job = q.pending[key]
	delete(q.pending, key)
	return job, true, false
}

func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// PersistenceServiceImpl writes gateway units to the repository with a fixed
// pool of workers. Each key always hashes to the same worker, so writes to
// one key are applied in the order they were queued. Enqueue never blocks:
// the store calls it while holding its lock.
type PersistenceServiceImpl struct {
	repo   EntryRepository
	logger zerolog.Logger

	queues  []*jobQueue
	workers int
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	written int64
	failed  int64
	statsMu sync.Mutex
}

// NewPersistenceService creates the pool. queueSize bounds the distinct
// pending keys and is split across workers.
func NewPersistenceService(repo EntryRepository, numWorkers, queueSize int, logger zerolog.Logger) *PersistenceServiceImpl {
	if numWorkers < 1 {
		numWorkers = 1
	}
	perWorker := queueSize / numWorkers
	if perWorker < 1 {
		perWorker = 1
	}

	queues := make([]*jobQueue, numWorkers)
	for i := range queues {
		queues[i] = newJobQueue(perWorker)
	}

	return &PersistenceServiceImpl{
		repo:    repo,
		logger:  logger.With().Str("component", "persistence").Logger(),
		queues:  queues,
		workers: numWorkers,
	}
}

// Start spawns the workers.
func (s *PersistenceServiceImpl) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i, s.queues[i])
	}
	s.logger.Info().Int("workers", s.workers).Msg("persistence pool started")
}

func (s *PersistenceServiceImpl) worker(id int, q *jobQueue) {
	defer s.wg.Done()

	// Drains until the queue is closed by Shutdown.
	for {
		job, ok, done := q.pop()
		if done {
			return
		}
		if !ok {
			<-q.wake
			continue
		}
		if err := s.process(job); err != nil {
			s.logger.Warn().Int("worker", id).Str("key", job.Key).Err(err).Msg("persist failed")
			s.count(false)
			continue
		}
		s.count(true)
	}
}

// Enqueue queues the latest value of key. It coalesces with a pending job
// for the same key and returns ErrQueueFull instead of waiting.
func (s *PersistenceServiceImpl) Enqueue(key string, value json.RawMessage) error {
	return s.queues[s.route(key)].push(PersistJob{Key: key, Value: value, QueuedAt: time.Now()})
}

func (s *PersistenceServiceImpl) route(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(s.workers))
}

func (s *PersistenceServiceImpl) process(job PersistJob) error {
	ctx, span := middleware.StartSpan(context.Background(), "Persistence.Write",
		attribute.String("entry.key", job.Key),
		attribute.Bool("entry.delete", job.Value == nil),
	)
	defer span.End()

	var err error
	if job.Value == nil {
		err = s.repo.Delete(ctx, job.Key)
	} else {
		err = s.repo.Put(ctx, job.Key, job.Value)
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to persist %s: %w", job.Key, err)
	}
	return nil
}

func (s *PersistenceServiceImpl) count(ok bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if ok {
		s.written++
	} else {
		s.failed++
	}
}

// Shutdown stops accepting jobs and waits until every queued job is written.
func (s *PersistenceServiceImpl) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		q.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("persistence pool drained")
}

// GetQueueLength returns the number of pending jobs across all workers.
func (s *PersistenceServiceImpl) GetQueueLength() int {
	n := 0
	for _, q := range s.queues {
		n += q.len()
	}
	return n
}

// Stats returns how many jobs were written and how many failed.
func (s *PersistenceServiceImpl) Stats() (written, failed int64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.written, s.failed
}
