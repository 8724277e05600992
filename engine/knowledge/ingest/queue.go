package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

var ErrQueueClosed = errors.New("ingest: queue closed")

// Queue runs submitted documents on a fixed pool of workers. Submit returns
// once the document is recorded as pending; callers poll its status.
type Queue struct {
	pipeline *Pipeline
	jobs     chan *Request
	workers  int
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	cancel   context.CancelFunc
}

func NewQueue(pipeline *Pipeline, workers, size int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	return &Queue{pipeline: pipeline, jobs: make(chan *Request, size), workers: workers}
}

// Start launches the workers. They stop when ctx is canceled or Stop drains the queue.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	log := logger.FromContext(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req, ok := <-q.jobs:
					if !ok {
						return
					}
					if _, err := q.pipeline.Ingest(ctx, req); err != nil {
						log.Warn("Queued ingestion failed", "worker", worker, "document_id", req.DocumentID, "error", err)
					}
				}
			}
		}(i)
	}
	log.Info("Ingestion workers started", "workers", q.workers, "capacity", cap(q.jobs))
}

// Submit records req as pending and enqueues it, blocking while the queue is full.
func (q *Queue) Submit(ctx context.Context, req *Request) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	job := *req
	if job.DocumentID == "" {
		job.DocumentID = knowledge.NewDocumentID()
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	if err := q.placeholder(ctx, &job); err != nil {
		return "", err
	}
	select {
	case q.jobs <- &job:
		return job.DocumentID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *Queue) placeholder(ctx context.Context, req *Request) error {
	docs := q.pipeline.docs
	_, err := docs.GetDocument(ctx, req.Tenant, req.DocumentID)
	if !errors.Is(err, knowledge.ErrDocumentNotFound) {
		return err
	}
	now := q.pipeline.now()
	return q.pipeline.save(ctx, &knowledge.Document{
		ID:        req.DocumentID,
		Tenant:    req.Tenant,
		Title:     req.Title,
		Status:    knowledge.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Stop refuses new submissions and waits for queued documents to finish.
// When ctx ends first, in-flight runs are canceled and stay resumable.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		<-done
		return ctx.Err()
	}
}

func (q *Queue) Pending() int {
	return len(q.jobs)
}
