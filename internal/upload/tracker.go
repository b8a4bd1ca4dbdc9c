// Package upload tracks batches of files from intake to a terminal state
// while their chunks are transferred to a Destination.
package upload

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/filetype"
	"github.com/synapse-lab/backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultContentType = "application/octet-stream"
	cancelledMessage   = "upload cancelled"
	abortTimeout       = 30 * time.Second
	subscriberBuffer   = 64
)

// EventType names a tracker notification.
type EventType string

const (
	EventCandidate EventType = "candidate"
	EventRemoved   EventType = "removed"
)

// Event is published for every state change of a candidate.
type Event struct {
	Type      EventType              `json:"type"`
	Candidate models.UploadCandidate `json:"candidate"`
}

// Batch is the set of candidates registered by one Submit call.
type Batch struct {
	ID         string                   `json:"id"`
	Candidates []models.UploadCandidate `json:"candidates"`
}

// Options controls chunking, parallelism and retry.
type Options struct {
	ChunkSize      int
	MaxConcurrent  int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1 << 20
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	return o
}

type entry struct {
	c      models.UploadCandidate
	cancel context.CancelFunc
}

type job struct {
	e      *entry
	ctx    context.Context
	source Source
}

// Tracker owns the tracked candidate set.
type Tracker struct {
	mu         sync.RWMutex
	candidates map[string]*entry
	order      []string

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	dest   Destination
	opts   Options
	logger *zap.Logger
}

// NewTracker creates a tracker pushing chunks to dest.
func NewTracker(dest Destination, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		candidates: make(map[string]*entry),
		subs:       make(map[int]chan Event),
		dest:       dest,
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

// Submit registers one candidate per source, appended after the existing
// ones, and starts transferring them in the background. onDone, when set, is
// called once after every candidate of the batch is terminal. Cancelling ctx
// cancels every transfer of the batch. owner is recorded on each candidate so
// callers can scope what a user sees; it may be empty for a single-user
// tracker.
func (t *Tracker) Submit(ctx context.Context, owner, bucket string, sources []Source, onDone func(Batch)) (*Batch, error) {
	if len(sources) == 0 {
		return nil, apperr.Validation("upload.submit", "no files selected")
	}

	batch := &Batch{
		ID:         uuid.New().String(),
		Candidates: make([]models.UploadCandidate, 0, len(sources)),
	}
	jobs := make([]job, 0, len(sources))
	now := time.Now()

	t.mu.Lock()
	for _, src := range sources {
		contentType := src.ContentType
		if contentType == "" {
			contentType = defaultContentType
		}
		cctx, cancel := context.WithCancel(ctx)
		e := &entry{
			c: models.UploadCandidate{
				ID:          uuid.New().String(),
				BatchID:     batch.ID,
				OwnerID:     owner,
				Name:        src.Name,
				Size:        src.Size,
				ContentType: contentType,
				Type:        filetype.DisplayType(src.Name),
				Bucket:      bucket,
				Status:      models.UploadStatusUploading,
				CreatedAt:   now,
			},
			cancel: cancel,
		}
		t.candidates[e.c.ID] = e
		t.order = append(t.order, e.c.ID)
		batch.Candidates = append(batch.Candidates, e.c)
		jobs = append(jobs, job{e: e, ctx: cctx, source: src})
	}
	t.mu.Unlock()

	for _, c := range batch.Candidates {
		t.publish(Event{Type: EventCandidate, Candidate: c})
	}

	t.logger.Info("upload batch submitted",
		zap.String("batch", batch.ID),
		zap.String("bucket", bucket),
		zap.Int("files", len(sources)))

	go t.run(*batch, jobs, onDone)

	return batch, nil
}

func (t *Tracker) run(batch Batch, jobs []job, onDone func(Batch)) {
	g := new(errgroup.Group)
	g.SetLimit(t.opts.MaxConcurrent)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			t.transfer(j)
			return nil
		})
	}
	g.Wait()

	// The caller still holds the Submit result; fill a fresh slice.
	batch.Candidates = make([]models.UploadCandidate, len(jobs))
	t.mu.RLock()
	for i, j := range jobs {
		batch.Candidates[i] = j.e.c
	}
	t.mu.RUnlock()

	t.logger.Info("upload batch finished", zap.String("batch", batch.ID))
	if onDone != nil {
		onDone(batch)
	}
}

// transfer drives one candidate through Begin, PutChunk and Complete.
func (t *Tracker) transfer(j job) {
	defer j.e.cancel()
	ctx := j.ctx

	var uploadID string
	err := t.withRetry(ctx, j.e, func(ctx context.Context) error {
		var err error
		uploadID, err = t.dest.Begin(ctx, t.snapshot(j.e))
		return err
	})
	if err != nil {
		t.fail(j.e, uploadID, err)
		return
	}

	rc, err := j.source.Open()
	if err != nil {
		t.fail(j.e, uploadID, apperr.Internal("upload.open", err))
		return
	}
	defer rc.Close()

	buf := make([]byte, t.opts.ChunkSize)
	index := 0
	for {
		n, readErr := io.ReadFull(rc, buf)
		if n > 0 {
			data := buf[:n]
			chunk := index
			err := t.withRetry(ctx, j.e, func(ctx context.Context) error {
				return t.dest.PutChunk(ctx, uploadID, chunk, data)
			})
			if err != nil {
				t.fail(j.e, uploadID, err)
				return
			}
			index++
			t.advance(j.e, int64(n))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			t.fail(j.e, uploadID, apperr.Internal("upload.read", readErr))
			return
		}
	}

	var doc *models.StoredDocument
	err = t.withRetry(ctx, j.e, func(ctx context.Context) error {
		var err error
		doc, err = t.dest.Complete(ctx, uploadID, t.snapshot(j.e), index)
		return err
	})
	if err != nil {
		t.fail(j.e, uploadID, err)
		return
	}

	t.succeed(j.e, doc)
}

// withRetry retries op on transient errors with exponential backoff.
func (t *Tracker) withRetry(ctx context.Context, e *entry, op func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !apperr.IsTransient(err) || attempt >= t.opts.MaxRetries {
			return err
		}

		delay := t.opts.RetryBaseDelay << attempt
		t.logger.Warn("transient upload failure, retrying",
			zap.String("candidate", e.c.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		if c, ok := t.update(e, func(c *models.UploadCandidate) { c.Retries++ }); ok {
			t.publish(Event{Type: EventCandidate, Candidate: c})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// update applies fn to a non-terminal candidate and returns the new snapshot.
func (t *Tracker) update(e *entry, fn func(c *models.UploadCandidate)) (models.UploadCandidate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.c.Status.Terminal() {
		return models.UploadCandidate{}, false
	}
	fn(&e.c)
	return e.c, true
}

func (t *Tracker) snapshot(e *entry) models.UploadCandidate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return e.c
}

// advance records sent bytes. Progress stays below 100 until Complete succeeds
// and never decreases.
func (t *Tracker) advance(e *entry, n int64) {
	c, ok := t.update(e, func(c *models.UploadCandidate) {
		c.BytesSent += n
		if c.Size <= 0 {
			return
		}
		p := float64(c.BytesSent) / float64(c.Size) * 100
		if p > 99 {
			p = 99
		}
		if p > c.Progress {
			c.Progress = p
		}
	})
	if ok {
		t.publish(Event{Type: EventCandidate, Candidate: c})
	}
}

func (t *Tracker) succeed(e *entry, doc *models.StoredDocument) {
	c, ok := t.update(e, func(c *models.UploadCandidate) {
		now := time.Now()
		c.Status = models.UploadStatusSuccess
		c.Progress = 100
		c.File = doc
		c.CompletedAt = &now
	})
	if !ok {
		// Cancelled while the destination was assembling the file.
		t.discard(e, doc)
		return
	}
	t.logger.Info("upload complete",
		zap.String("candidate", c.ID),
		zap.String("name", c.Name),
		zap.String("file", doc.ID),
		zap.Int64("size", doc.Size))
	t.publish(Event{Type: EventCandidate, Candidate: c})
}

// discard deletes a stored document whose candidate was closed before the
// transfer finished.
func (t *Tracker) discard(e *entry, doc *models.StoredDocument) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := t.dest.Discard(ctx, doc); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		t.logger.Error("discarding cancelled upload failed",
			zap.String("candidate", e.c.ID),
			zap.String("bucket", doc.Bucket),
			zap.String("file", doc.ID),
			zap.Error(err))
		return
	}
	t.logger.Info("cancelled upload discarded",
		zap.String("candidate", e.c.ID),
		zap.String("file", doc.ID))
}

// fail aborts the destination upload and marks the candidate as failed.
func (t *Tracker) fail(e *entry, uploadID string, cause error) {
	if uploadID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		if err := t.dest.Abort(ctx, uploadID); err != nil {
			t.logger.Warn("abort upload failed", zap.String("upload", uploadID), zap.Error(err))
		}
		cancel()
	}

	msg := apperr.Message(cause)
	if errors.Is(cause, context.Canceled) {
		msg = cancelledMessage
	}
	c, ok := t.markError(e, msg)
	if !ok {
		return
	}
	t.logger.Error("upload failed",
		zap.String("candidate", c.ID),
		zap.String("name", c.Name),
		zap.Error(cause))
	t.publish(Event{Type: EventCandidate, Candidate: c})
}

func (t *Tracker) markError(e *entry, msg string) (models.UploadCandidate, bool) {
	return t.update(e, func(c *models.UploadCandidate) {
		now := time.Now()
		c.Status = models.UploadStatusError
		c.Error = msg
		c.CompletedAt = &now
	})
}

// Cancel stops an in-flight candidate and marks it failed.
func (t *Tracker) Cancel(id string) error {
	const op = "upload.cancel"

	t.mu.RLock()
	e, ok := t.candidates[id]
	t.mu.RUnlock()
	if !ok {
		return apperr.NotFound(op, "upload", id)
	}

	c, ok := t.markError(e, cancelledMessage)
	if !ok {
		return apperr.Conflict(op, "upload already finished")
	}
	e.cancel()

	t.logger.Info("upload cancelled", zap.String("candidate", id))
	t.publish(Event{Type: EventCandidate, Candidate: c})
	return nil
}

// Remove drops a candidate from the tracked set, cancelling it first when it
// is still uploading.
func (t *Tracker) Remove(id string) error {
	t.mu.RLock()
	e, ok := t.candidates[id]
	t.mu.RUnlock()
	if !ok {
		return apperr.NotFound("upload.remove", "upload", id)
	}

	if c, ok := t.markError(e, cancelledMessage); ok {
		e.cancel()
		t.publish(Event{Type: EventCandidate, Candidate: c})
	}

	t.mu.Lock()
	delete(t.candidates, id)
	t.removeOrder(id)
	c := e.c
	t.mu.Unlock()

	t.publish(Event{Type: EventRemoved, Candidate: c})
	return nil
}

// removeOrder must be called with mu held.
func (t *Tracker) removeOrder(id string) {
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// List returns snapshots of every tracked candidate in intake order.
func (t *Tracker) List() []models.UploadCandidate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.UploadCandidate, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.candidates[id].c)
	}
	return out
}

// Get returns a snapshot of one candidate.
func (t *Tracker) Get(id string) (models.UploadCandidate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.candidates[id]
	if !ok {
		return models.UploadCandidate{}, false
	}
	return e.c, true
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Slow subscribers miss events rather than block transfers.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) publish(ev Event) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CleanupOld removes terminal candidates that finished before maxAge ago.
func (t *Tracker) CleanupOld(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	kept := t.order[:0]
	for _, id := range t.order {
		c := t.candidates[id].c
		if c.Status.Terminal() && c.CompletedAt != nil && c.CompletedAt.Before(cutoff) {
			delete(t.candidates, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return removed
}
