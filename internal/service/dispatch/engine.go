package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ECSERP/whatsapp-backend/internal/capability"
	"github.com/ECSERP/whatsapp-backend/internal/notify"
)

var (
	ErrNotAuthenticated  = errors.New("session not authenticated")
	ErrJobAlreadyRunning = errors.New("bulk job already running for tenant")
)

// SessionSource is the slice of the session registry the engine reads. It
// never mutates session state through it.
type SessionSource interface {
	IsAuthenticated(tenantID string) bool
	Messenger(tenantID string) (capability.Handle, bool)
}

// Config tunes the batch loop.
type Config struct {
	// BatchSize is the number of recipients contacted between waits.
	BatchSize int
	// BatchDelay is the pause between consecutive batches.
	BatchDelay time.Duration
	// RatePerSec additionally paces individual sends; zero disables pacing.
	RatePerSec float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 5 * time.Minute
	}
	return c
}

// Engine runs at most one bulk job per tenant against the deployment-wide
// recipient list.
type Engine struct {
	mu     sync.Mutex
	active map[string]*Job

	sessions   SessionSource
	notifier   notify.Notifier
	cfg        Config
	recipients []string
	limiter    *rate.Limiter
	log        zerolog.Logger
	base       context.Context
}

// NewEngine builds the engine. recipients is the configured address book in
// its raw form; normalization happens per job. ctx bounds all job goroutines.
func NewEngine(ctx context.Context, sessions SessionSource, notifier notify.Notifier, recipients []string, cfg Config, log zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Engine{
		active:     make(map[string]*Job),
		sessions:   sessions,
		notifier:   notifier,
		cfg:        cfg,
		recipients: recipients,
		limiter:    limiter,
		log:        log.With().Str("component", "dispatch").Logger(),
		base:       ctx,
	}
}

// Submit starts a bulk job for the tenant and returns immediately with its
// handle. Rejected when the tenant is not authenticated or already has a job
// running; rejected submissions leave no trace and emit no events.
func (e *Engine) Submit(tenantID, message string) (*Job, error) {
	if !e.sessions.IsAuthenticated(tenantID) {
		return nil, ErrNotAuthenticated
	}

	e.mu.Lock()
	if _, running := e.active[tenantID]; running {
		e.mu.Unlock()
		return nil, ErrJobAlreadyRunning
	}

	ctx, cancel := context.WithCancel(e.base)
	job := &Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Message:   message,
		StartedAt: time.Now().UTC(),
		status:    StatusQueued,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.active[tenantID] = job
	e.mu.Unlock()

	go e.run(ctx, job)
	return job, nil
}

// ActiveJob returns the tenant's running job, if any.
func (e *Engine) ActiveJob(tenantID string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.active[tenantID]
	return j, ok
}

// run is the batch loop. Recipients are contacted strictly in input order; a
// single recipient failure never aborts the batch or the job.
func (e *Engine) run(ctx context.Context, job *Job) {
	defer close(job.done)
	defer e.release(job)

	job.setStatus(StatusRunning)

	recipients := NormalizeAll(e.recipients)
	chunks := partition(recipients, e.cfg.BatchSize)

	e.log.Info().
		Str("tenant", job.TenantID).
		Str("job", job.ID).
		Int("recipients", len(recipients)).
		Int("batches", len(chunks)).
		Msg("bulk job started")

	for i, chunk := range chunks {
		job.setBatch(i + 1)

		for _, digits := range chunk {
			if ctx.Err() != nil {
				e.finishCanceled(job)
				return
			}
			e.sendOne(ctx, job, digits)
		}

		if i < len(chunks)-1 {
			e.emit(job, fmt.Sprintf("Batch %d of %d done. Waiting %s before the next batch...", i+1, len(chunks), e.cfg.BatchDelay))
			if !e.waitBetweenBatches(ctx) {
				e.finishCanceled(job)
				return
			}
		}
	}

	job.setStatus(StatusCompleted)
	p := job.Progress()
	e.emit(job, fmt.Sprintf("Bulk send completed: %d sent, %d invalid, %d errored.", p.Sent, p.Invalid, p.Errored))
	e.log.Info().
		Str("tenant", job.TenantID).
		Str("job", job.ID).
		Int("sent", p.Sent).
		Int("invalid", p.Invalid).
		Int("errored", p.Errored).
		Msg("bulk job completed")
}

// sendOne resolves and sends to a single recipient, recording exactly one
// outcome event.
func (e *Engine) sendOne(ctx context.Context, job *Job, digits string) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
	}

	messenger, ok := e.sessions.Messenger(job.TenantID)
	if !ok {
		job.markErrored()
		e.emit(job, fmt.Sprintf("Failed to send to %s: session unavailable.", digits))
		return
	}

	recipient, err := messenger.ResolveRecipient(ctx, digits)
	if errors.Is(err, capability.ErrRecipientNotFound) {
		job.markInvalid()
		e.emit(job, fmt.Sprintf("Number %s is not registered. Skipped.", digits))
		return
	}
	if err != nil {
		job.markErrored()
		e.emit(job, fmt.Sprintf("Failed to resolve %s: %v", digits, err))
		return
	}

	if err := messenger.SendText(ctx, recipient, job.Message); err != nil {
		job.markErrored()
		e.emit(job, fmt.Sprintf("Failed to send to %s: %v", digits, err))
		return
	}

	job.markSent()
	e.emit(job, fmt.Sprintf("Message sent to %s.", digits))
}

// waitBetweenBatches reports false when the wait was interrupted.
func (e *Engine) waitBetweenBatches(ctx context.Context) bool {
	tmr := time.NewTimer(e.cfg.BatchDelay)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return false
	case <-tmr.C:
		return true
	}
}

func (e *Engine) finishCanceled(job *Job) {
	job.setStatus(StatusCanceled)
	e.emit(job, "Bulk send canceled.")
	e.log.Info().Str("tenant", job.TenantID).Str("job", job.ID).Msg("bulk job canceled")
}

func (e *Engine) release(job *Job) {
	e.mu.Lock()
	if e.active[job.TenantID] == job {
		delete(e.active, job.TenantID)
	}
	e.mu.Unlock()
}

func (e *Engine) emit(job *Job, text string) {
	e.notifier.Publish(job.TenantID, notify.Event{Name: notify.EventLog, Data: text})
}

// partition splits in into consecutive chunks of size, preserving order. The
// last chunk may be shorter.
func partition(in []string, size int) [][]string {
	if len(in) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(in)+size-1)/size)
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		chunks = append(chunks, in[start:end])
	}
	return chunks
}
