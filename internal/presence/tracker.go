package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrTrackerStopped = errors.New("presence tracker stopped")

type TrackerConfig struct {
	HeartbeatInterval      time.Duration
	AwayTimeout            time.Duration
	ActivityThrottle       time.Duration
	BackgroundDebounce     time.Duration
	BackgroundWriteTimeout time.Duration
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		HeartbeatInterval:      30 * time.Second,
		AwayTimeout:            5 * time.Minute,
		ActivityThrottle:       15 * time.Second,
		BackgroundDebounce:     500 * time.Millisecond,
		BackgroundWriteTimeout: 8 * time.Second,
	}
}

// Phase is the lifecycle observer's view of the app.
type Phase int

const (
	Foregrounded Phase = iota
	Backgrounding
	Backgrounded
)

func (p Phase) String() string {
	switch p {
	case Foregrounded:
		return "foregrounded"
	case Backgrounding:
		return "backgrounding"
	case Backgrounded:
		return "backgrounded"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Reloader refreshes a presence cache from the store. Implementations
// coalesce concurrent calls; Cache does.
type Reloader interface {
	Reload(ctx context.Context) error
}

// State is a point-in-time copy of a tracker's local state.
type State struct {
	Status       Status
	Phase        Phase
	LastActivity time.Time
}

type TrackerOption func(*Tracker)

func WithClock(c clockwork.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

func WithConfig(cfg TrackerConfig) TrackerOption {
	return func(t *Tracker) { t.cfg = cfg }
}

func WithReloader(r Reloader) TrackerOption {
	return func(t *Tracker) { t.reloader = r }
}

func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithStatusHook registers fn to be called from the tracker goroutine each
// time the published status changes.
func WithStatusHook(fn func(Status)) TrackerOption {
	return func(t *Tracker) { t.onStatus = fn }
}

type eventKind int

const (
	evAppState eventKind = iota
	evActivity
	evQuery
)

type event struct {
	kind  eventKind
	state AppState
	reply chan State
}

type write struct {
	rec     Record
	timeout time.Duration
}

// Tracker maintains the local user's presence: heartbeats while foregrounded,
// idle-to-away transitions, debounced background writes and activity
// recovery. All local state is owned by the goroutine running Run; other
// goroutines talk to it over channels.
type Tracker struct {
	userID   string
	writer   Writer
	source   AppStateSource
	cfg      TrackerConfig
	clock    clockwork.Clock
	reloader Reloader
	logger   *slog.Logger
	onStatus func(Status)

	events    chan event
	writes    chan write
	done      chan struct{}
	closeOnce sync.Once
	published atomic.Value // Status

	// owned by Run
	status       Status
	phase        Phase
	lastActivity time.Time
	lastEffect   time.Time
	debounce     clockwork.Timer
}

func NewTracker(userID string, writer Writer, source AppStateSource, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		userID:  userID,
		writer:  writer,
		source:  source,
		cfg:     DefaultTrackerConfig(),
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		events:  make(chan event, 16),
		writes:  make(chan write, 32),
		done:    make(chan struct{}),
		status:  StatusOffline,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("user", userID)
	t.published.Store(StatusOffline)
	return t
}

// Status returns the last committed status. A pending background transition
// is not visible here until its debounce fires.
func (t *Tracker) Status() Status {
	return t.published.Load().(Status)
}

// RecordActivity signals a user interaction. Safe to call from any goroutine;
// calls within the throttle window are dropped by the tracker.
func (t *Tracker) RecordActivity() {
	t.post(event{kind: evActivity})
}

// Snapshot returns the tracker's state once every event posted before the
// call has been handled.
func (t *Tracker) Snapshot(ctx context.Context) (State, error) {
	select {
	case <-t.done:
		return State{}, ErrTrackerStopped
	default:
	}

	reply := make(chan State, 1)
	select {
	case t.events <- event{kind: evQuery, reply: reply}:
	case <-t.done:
		return State{}, ErrTrackerStopped
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-t.done:
		return State{}, ErrTrackerStopped
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (t *Tracker) post(ev event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Run attaches the tracker, marking the user online, and blocks until ctx is
// cancelled. On return the user has been written offline.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	if t.source != nil {
		unsubscribe := t.source.Subscribe(func(s AppState) {
			t.post(event{kind: evAppState, state: s})
		})
		defer unsubscribe()
	}

	writerDone := make(chan struct{})
	go t.writeLoop(ctx, writerDone)

	t.attach()

	for {
		select {
		case <-ctx.Done():
			t.detach(ctx, writerDone)
			return
		case <-ticker.Chan():
			t.heartbeat(ctx)
		case ev := <-t.events:
			switch ev.kind {
			case evAppState:
				t.handleAppState(ctx, ev.state)
			case evActivity:
				t.handleActivity()
			case evQuery:
				ev.reply <- State{Status: t.status, Phase: t.phase, LastActivity: t.lastActivity}
			}
		case <-t.debounceC():
			t.commitBackground()
		}
	}
}

func (t *Tracker) attach() {
	now := t.clock.Now()
	t.phase = Foregrounded
	t.lastActivity = now
	t.setStatus(StatusOnline)
	t.enqueue(now, 0)
	t.logger.Info("presence tracker attached")
}

func (t *Tracker) detach(ctx context.Context, writerDone chan struct{}) {
	t.closeOnce.Do(func() { close(t.done) })
	t.stopDebounce()
	t.setStatus(StatusOffline)

	close(t.writes)
	<-writerDone

	wctx := context.WithoutCancel(ctx)
	rec := Record{UserID: t.userID, Status: StatusOffline, LastSeenAt: t.clock.Now()}
	if err := t.boundedUpsert(wctx, rec, t.cfg.BackgroundWriteTimeout); err != nil {
		writeFailureCounter.Add(wctx, 1, statusAttr(StatusOffline))
		t.logger.Warn("offline write failed", "error", err)
	} else {
		writeCounter.Add(wctx, 1, statusAttr(StatusOffline))
	}
	t.logger.Info("presence tracker detached")
}

func (t *Tracker) heartbeat(ctx context.Context) {
	if t.phase != Foregrounded {
		return
	}
	heartbeatCounter.Add(ctx, 1)

	now := t.clock.Now()
	if now.Sub(t.lastActivity) > t.cfg.AwayTimeout && t.status != StatusAway {
		t.logger.Debug("idle timeout reached", "idle", now.Sub(t.lastActivity))
		t.setStatus(StatusAway)
	}
	t.enqueue(now, 0)
}

func (t *Tracker) handleAppState(ctx context.Context, s AppState) {
	if s != AppActive {
		if t.phase == Foregrounded {
			t.phase = Backgrounding
			t.debounce = t.clock.NewTimer(t.cfg.BackgroundDebounce)
		}
		return
	}

	switch t.phase {
	case Backgrounding:
		t.stopDebounce()
		t.phase = Foregrounded
		t.logger.Debug("background transition cancelled")
	case Backgrounded:
		now := t.clock.Now()
		t.phase = Foregrounded
		t.lastActivity = now
		t.setStatus(StatusOnline)
		t.enqueue(now, 0)
		t.reload(ctx)
	}
}

func (t *Tracker) commitBackground() {
	t.debounce = nil
	t.phase = Backgrounded
	t.setStatus(StatusAway)
	t.enqueue(t.clock.Now(), t.cfg.BackgroundWriteTimeout)
}

func (t *Tracker) handleActivity() {
	now := t.clock.Now()
	if !t.lastEffect.IsZero() && now.Sub(t.lastEffect) < t.cfg.ActivityThrottle {
		return
	}
	t.lastEffect = now
	t.lastActivity = now

	if t.status == StatusAway && t.phase == Foregrounded {
		t.setStatus(StatusOnline)
		t.enqueue(now, 0)
	}
}

func (t *Tracker) reload(ctx context.Context) {
	if t.reloader == nil {
		return
	}
	go func() {
		if err := t.reloader.Reload(ctx); err != nil {
			t.logger.Warn("presence reload failed", "error", err)
		}
	}()
}

func (t *Tracker) debounceC() <-chan time.Time {
	if t.debounce == nil {
		return nil
	}
	return t.debounce.Chan()
}

func (t *Tracker) stopDebounce() {
	if t.debounce != nil {
		t.debounce.Stop()
		t.debounce = nil
	}
}

func (t *Tracker) setStatus(s Status) {
	t.status = s
	if t.Status() == s {
		return
	}
	t.published.Store(s)
	if t.onStatus != nil {
		t.onStatus(s)
	}
}

// enqueue hands the current status to the writer goroutine without blocking.
// A full queue drops the write; the next heartbeat supersedes it.
func (t *Tracker) enqueue(at time.Time, timeout time.Duration) {
	w := write{
		rec:     Record{UserID: t.userID, Status: t.status, LastSeenAt: at},
		timeout: timeout,
	}
	select {
	case t.writes <- w:
	default:
		t.logger.Warn("presence write queue full, dropping write", "status", t.status)
	}
}

func (t *Tracker) writeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for w := range t.writes {
		if ctx.Err() != nil {
			continue
		}
		t.doWrite(ctx, w)
	}
}

// doWrite bounds every write so a stalled store cannot hold up later ones.
// Heartbeat writes get one interval, so a stuck write is abandoned before the
// next tick's write is due.
func (t *Tracker) doWrite(ctx context.Context, w write) {
	timeout := w.timeout
	if timeout <= 0 {
		timeout = t.cfg.HeartbeatInterval
	}

	err := t.boundedUpsert(ctx, w.rec, timeout)
	if err == nil {
		writeCounter.Add(ctx, 1, statusAttr(w.rec.Status))
		return
	}

	writeFailureCounter.Add(ctx, 1, statusAttr(w.rec.Status))
	if errors.Is(err, context.DeadlineExceeded) {
		t.logger.Debug("presence write timed out", "status", w.rec.Status, "timeout", timeout)
		return
	}
	t.logger.Warn("presence write failed", "status", w.rec.Status, "error", err)
}

// boundedUpsert races the write against its timeout so a store that ignores
// cancellation cannot stall the writer goroutine.
func (t *Tracker) boundedUpsert(ctx context.Context, rec Record, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- t.writer.Upsert(ctx, rec) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
