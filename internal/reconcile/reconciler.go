// reconciler.go - Live fold of ledger, private and local action state.
//
// A Reconciler runs sessions. A session subscribes to the ledger and to the
// private store, and re-runs Combine whenever either stream or the local
// action marker emits. When a session fails it is restarted after a fixed
// delay, forever; the folded view survives restarts.

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"privbank/internal/circuit"
	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
	"privbank/internal/metrics"
	"privbank/internal/privstore"
	"privbank/internal/projector"
)

// DefaultRetryDelay is the fixed delay between sessions.
const DefaultRetryDelay = 2 * time.Second

// PrivateSource streams private records of one user.
type PrivateSource interface {
	Subscribe(ctx context.Context, key keys.ID) (<-chan privstore.Update, error)
}

type Reconciler struct {
	whoami     keys.ID
	address    string
	reader     ledger.Reader
	private    PrivateSource
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *metrics.BankMetrics
	now        func() time.Time

	mu      sync.Mutex
	marker  Marker
	view    AccountView
	emitted bool
	subs    map[int]chan AccountView
	nextSub int

	markerSignal chan struct{}
}

type Option func(*Reconciler)

func WithRetryDelay(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.retryDelay = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.BankMetrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock overrides the clock used to stamp actions.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func New(whoami keys.ID, address string, reader ledger.Reader, private PrivateSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		whoami:       whoami,
		address:      address,
		reader:       reader,
		private:      private,
		retryDelay:   DefaultRetryDelay,
		logger:       slog.Default(),
		now:          time.Now,
		view:         Empty(whoami),
		subs:         make(map[int]chan AccountView),
		markerSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles until ctx is done. It only returns ctx.Err().
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			r.closeSubscribers()
			return ctx.Err()
		}
		r.logger.Warn("reconciler session ended, resubscribing",
			slog.String("user", string(r.whoami)),
			slog.Duration("delay", r.retryDelay),
			slog.Any("error", err))
		r.metrics.RecordResubscribe()

		t := time.NewTimer(r.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			r.closeSubscribers()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Reconciler) session(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snaps, err := r.reader.Subscribe(sctx, r.address)
	if err != nil {
		return errs.Transient("subscribe ledger", err)
	}
	updates, err := r.private.Subscribe(sctx, r.whoami)
	if err != nil {
		return errs.Transient("subscribe private store", err)
	}

	var src Sources
	src.Marker = r.currentMarker()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return errs.Transient("ledger stream closed", nil)
			}
			v, err := projector.Project(&snap)
			if err != nil {
				return err
			}
			src.Ledger = v
		case u, ok := <-updates:
			if !ok {
				return errs.Transient("private stream closed", nil)
			}
			src.Private = u.Record
		case <-r.markerSignal:
			src.Marker = r.currentMarker()
		}
		if src.Ledger != nil {
			r.emit(src)
		}
	}
}

func (r *Reconciler) emit(src Sources) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view = Combine(r.view, src)
	r.emitted = true
	for _, ch := range r.subs {
		offer(ch, r.view)
	}
	r.metrics.RecordViewEmission()
}

func offer(ch chan AccountView, v AccountView) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (r *Reconciler) currentMarker() Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marker
}

// Mark replaces the local action marker.
func (r *Reconciler) Mark(m Marker) {
	r.mu.Lock()
	r.marker = m
	r.mu.Unlock()
	select {
	case r.markerSignal <- struct{}{}:
	default:
	}
}

// Begin marks op as in flight and returns the pending action.
func (r *Reconciler) Begin(op circuit.Op, user keys.ID) *Action {
	a := &Action{ID: uuid.New(), Op: op, User: user, Status: ActionPending, Started: r.now()}
	r.Mark(Marker{Last: a})
	return a
}

// Commit marks a as committed by the receipt.
func (r *Reconciler) Commit(a *Action, receipt *circuit.Receipt) {
	done := *a
	done.Status = ActionCommitted
	if receipt != nil {
		done.Height = receipt.Height
		done.TxHash = receipt.TxHash
	}
	r.Mark(Marker{Last: &done})
}

// Cancel replaces the in-flight marker with a cancellation marker.
func (r *Reconciler) Cancel(a *Action, cause error) {
	cancelled := *a
	cancelled.Status = ActionCancelled
	if cause != nil {
		cancelled.Reason = cause.Error()
	}
	r.Mark(Marker{Cancelled: &cancelled})
}

// Current returns the latest view and whether any view has been emitted.
func (r *Reconciler) Current() (AccountView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view, r.emitted
}

// Subscribe streams account views, starting with the current one if any
// has been emitted. Slow readers only observe the latest view. The channel
// is closed when ctx is done or Run returns.
func (r *Reconciler) Subscribe(ctx context.Context) <-chan AccountView {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan AccountView, 1)
	if r.emitted {
		ch <- r.view
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}()
	return ch
}

// Await blocks until a view satisfying pred is emitted.
func (r *Reconciler) Await(ctx context.Context, pred func(AccountView) bool) (AccountView, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for v := range r.Subscribe(sctx) {
		if pred(v) {
			return v, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return AccountView{}, err
	}
	return AccountView{}, errors.New("reconcile: view stream closed")
}

// closeSubscribers ends every stream. The next run starts from a fresh
// emission, but folds into the view it leaves behind.
func (r *Reconciler) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = false
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}
