package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrProcedureUnavailable marks a failed primary write that the backing store
// could not route to its named procedure. Callers may retry with a direct write.
var ErrProcedureUnavailable = errors.New("presence procedure unavailable")

// Writer upserts one record keyed on its UserID.
type Writer interface {
	Upsert(ctx context.Context, rec Record) error
}

type WriterFunc func(ctx context.Context, rec Record) error

func (f WriterFunc) Upsert(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Store is the external presence table: bulk read, upsert, and a change feed.
// Watch blocks, delivering events to fn until ctx is cancelled or the feed
// drops; a dropped feed returns a non-nil error.
type Store interface {
	Writer
	LoadAll(ctx context.Context) ([]Record, error)
	Watch(ctx context.Context, fn func(Event)) error
}

// DefaultProcedureRetry is how long a FallbackWriter stays on the direct
// path before trying the procedure again.
const DefaultProcedureRetry = time.Minute

// FallbackWriter tries Primary and switches to Fallback when Unsupported
// classifies the primary error. While switched it retries the primary once
// per RetryAfter, so a procedure that comes back is used again.
type FallbackWriter struct {
	Primary     Writer
	Fallback    Writer
	Unsupported func(error) bool
	RetryAfter  time.Duration
	Clock       clockwork.Clock
	Logger      *slog.Logger

	mu          sync.Mutex
	missingFrom time.Time // zero while the primary is in use
}

func NewFallbackWriter(primary, fallback Writer, logger *slog.Logger) *FallbackWriter {
	return &FallbackWriter{
		Primary:  primary,
		Fallback: fallback,
		Unsupported: func(err error) bool {
			return errors.Is(err, ErrProcedureUnavailable)
		},
		RetryAfter: DefaultProcedureRetry,
		Clock:      clockwork.NewRealClock(),
		Logger:     logger,
	}
}

func (w *FallbackWriter) Upsert(ctx context.Context, rec Record) error {
	if !w.usePrimary() {
		return w.Fallback.Upsert(ctx, rec)
	}

	err := w.Primary.Upsert(ctx, rec)
	if err == nil || !w.Unsupported(err) {
		if err == nil {
			w.primaryOK()
		}
		return err
	}

	w.primaryMissing()
	fallbackCounter.Add(ctx, 1)
	if w.Logger != nil {
		w.Logger.Warn("presence procedure unavailable, using direct upsert",
			"error", err, "retry_in", w.retryAfter())
	}
	return w.Fallback.Upsert(ctx, rec)
}

// usePrimary reports whether the primary is in use or due for a retry. A due
// retry restarts the wait so concurrent writers do not all probe at once.
func (w *FallbackWriter) usePrimary() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.missingFrom.IsZero() {
		return true
	}
	now := w.now()
	if now.Sub(w.missingFrom) < w.retryAfter() {
		return false
	}
	w.missingFrom = now
	return true
}

func (w *FallbackWriter) primaryMissing() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.missingFrom = w.now()
}

func (w *FallbackWriter) primaryOK() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.missingFrom.IsZero() {
		w.missingFrom = time.Time{}
		if w.Logger != nil {
			w.Logger.Info("presence procedure available again")
		}
	}
}

func (w *FallbackWriter) retryAfter() time.Duration {
	if w.RetryAfter <= 0 {
		return DefaultProcedureRetry
	}
	return w.RetryAfter
}

func (w *FallbackWriter) now() time.Time {
	if w.Clock == nil {
		return time.Now()
	}
	return w.Clock.Now()
}
