// Package client is the client-facing banking API.
//
// A Client is bound to one deployed contract. Every operation normalizes its
// identifiers, marks the acting user's reconciler as in flight, checks the
// workflow rules against the latest ledger view, proves the PIN, invokes the
// circuit and mirrors the outcome into the private store. Failures replace
// the in-flight marker with a cancellation marker.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"privbank/internal/circuit"
	"privbank/internal/contract"
	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
	"privbank/internal/metrics"
	"privbank/internal/privstore"
	"privbank/internal/projector"
	"privbank/internal/reconcile"
)

// Bootstrap defaults.
const (
	DefaultBootstrapAttempts = 5
	DefaultBootstrapInitial  = 100 * time.Millisecond
	DefaultBootstrapMax      = 2 * time.Second
)

// Deployer hosts new contracts.
type Deployer interface {
	Deploy(ctx context.Context, initial []byte) (string, error)
}

// Prover produces PIN proofs.
type Prover interface {
	Prove(user keys.ID, pin string) ([]byte, error)
}

// Providers are the collaborators a Client is built from.
type Providers struct {
	Reader  ledger.Reader
	Prover  Prover
	Private *privstore.Store
	// Connect returns the invoker of the contract at address.
	Connect func(address string) circuit.Invoker
}

func (p Providers) validate() error {
	switch {
	case p.Reader == nil:
		return errors.New("client: ledger reader is required")
	case p.Prover == nil:
		return errors.New("client: prover is required")
	case p.Private == nil:
		return errors.New("client: private store is required")
	case p.Connect == nil:
		return errors.New("client: connect func is required")
	}
	return nil
}

// Bootstrap bounds the retries of Deploy and Join.
type Bootstrap struct {
	Attempts uint64
	Initial  time.Duration
	Max      time.Duration
}

type Client struct {
	address    string
	reader     ledger.Reader
	invoker    circuit.Invoker
	prover     Prover
	store      *privstore.Store
	logger     *slog.Logger
	metrics    *metrics.BankMetrics
	now        func() time.Time
	strict     bool
	retryDelay time.Duration
	bootstrap  Bootstrap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	reconcilers map[keys.ID]*watcher
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.BankMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStrictKeys rejects identifiers longer than keys.Size bytes instead of
// truncating them.
func WithStrictKeys() Option {
	return func(c *Client) { c.strict = true }
}

// WithRetryDelay sets the fixed resubscription delay of account views.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

func WithBootstrap(b Bootstrap) Option {
	return func(c *Client) {
		if b.Attempts > 0 {
			c.bootstrap.Attempts = b.Attempts
		}
		if b.Initial > 0 {
			c.bootstrap.Initial = b.Initial
		}
		if b.Max > 0 {
			c.bootstrap.Max = b.Max
		}
	}
}

func newClient(p Providers, opts []Option) *Client {
	c := &Client{
		reader:     p.Reader,
		prover:     p.Prover,
		store:      p.Private,
		logger:     slog.Default(),
		now:        time.Now,
		retryDelay: reconcile.DefaultRetryDelay,
		bootstrap: Bootstrap{
			Attempts: DefaultBootstrapAttempts,
			Initial:  DefaultBootstrapInitial,
			Max:      DefaultBootstrapMax,
		},
		reconcilers: make(map[keys.ID]*watcher),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Client) bind(p Providers, address string) {
	c.address = address
	c.invoker = p.Connect(address)
}

// Deploy hosts a fresh contract and returns a client bound to it.
func Deploy(ctx context.Context, p Providers, d Deployer, opts ...Option) (*Client, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	genesis, err := contract.Genesis()
	if err != nil {
		return nil, fmt.Errorf("client: genesis: %w", err)
	}
	c := newClient(p, opts)

	var address string
	err = c.retry(ctx, "deploy", func() error {
		addr, err := d.Deploy(ctx, genesis)
		if err != nil {
			return err
		}
		address = addr
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.retry(ctx, "subscribe", func() error { return c.reach(ctx, address) }); err != nil {
		return nil, err
	}
	c.bind(p, address)
	c.logger.Info("contract deployed", slog.String("address", address))
	return c, nil
}

// Join returns a client bound to an existing contract.
func Join(ctx context.Context, p Providers, address string, opts ...Option) (*Client, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	c := newClient(p, opts)
	if err := c.retry(ctx, "join", func() error { return c.reach(ctx, address) }); err != nil {
		return nil, err
	}
	c.bind(p, address)
	c.logger.Info("joined contract", slog.String("address", address))
	return c, nil
}

// reach checks that the contract at address can be read and subscribed to.
func (c *Client) reach(ctx context.Context, address string) error {
	snap, err := c.reader.Read(ctx, address)
	if err != nil {
		return err
	}
	if snap == nil {
		return errs.Transient(fmt.Sprintf("contract %s not visible yet", address), nil)
	}
	if _, err := projector.Project(snap); err != nil {
		return err
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := c.reader.Subscribe(sctx, address); err != nil {
		return err
	}
	return nil
}

// retry runs op with exponential backoff until it succeeds, fails with a
// non-transient error, or the attempt cap is reached.
func (c *Client) retry(ctx context.Context, phase string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.bootstrap.Initial
	b.MaxInterval = c.bootstrap.Max
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = backoff.WithMaxRetries(b, c.bootstrap.Attempts-1)
	policy = backoff.WithContext(policy, ctx)

	var last error
	err := backoff.RetryNotify(func() error {
		err := op()
		c.metrics.RecordBootstrapAttempt(phase, err)
		if err == nil {
			return nil
		}
		last = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("bootstrap attempt failed",
			slog.String("phase", phase),
			slog.Duration("retry_in", wait),
			slog.Any("error", err))
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if last != nil && retryable(last) {
		return &errs.Error{Kind: errs.KindTransient, Op: phase, Msg: "retries exhausted", Err: last}
	}
	return err
}

func retryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindAuthentication, errs.KindAuthorization, errs.KindNotFound, errs.KindState:
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Address returns the contract address the client is bound to.
func (c *Client) Address() string { return c.address }

// Close stops every account view. It does not close the private store.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Client) normalize(id string) (keys.ID, error) {
	if c.strict {
		k, err := keys.NormalizeStrict(id)
		if err != nil {
			return "", &errs.Error{Kind: errs.KindState, Msg: "identifier too long", Err: err}
		}
		return k, nil
	}
	return keys.Normalize(id), nil
}

// watcher is the reconciler of one user. Run is live only while the
// watcher is leased; the folded view and the action marker outlive it.
type watcher struct {
	r      *reconcile.Reconciler
	refs   int
	kept   bool
	cancel context.CancelFunc
	done   chan struct{}
}

// lookup returns the watcher of user, creating it idle. c.mu must be held.
func (c *Client) lookup(user keys.ID) *watcher {
	if w, ok := c.reconcilers[user]; ok {
		return w
	}
	w := &watcher{r: reconcile.New(user, c.address, c.reader, c.store,
		reconcile.WithRetryDelay(c.retryDelay),
		reconcile.WithLogger(c.logger),
		reconcile.WithMetrics(c.metrics),
		reconcile.WithClock(c.now))}
	c.reconcilers[user] = w
	return w
}

// track returns the watcher of user without starting it.
func (c *Client) track(user keys.ID) *watcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(user)
}

// settled records the outcome of an operation. A user with a committed
// operation keeps its watcher; any other idle watcher is dropped so that
// failed calls on unknown identifiers leave nothing behind.
func (c *Client) settled(user keys.ID, w *watcher, committed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if committed {
		w.kept = true
		if _, ok := c.reconcilers[user]; !ok {
			c.reconcilers[user] = w
		}
	}
	if w.refs == 0 && !w.kept && c.reconcilers[user] == w {
		delete(c.reconcilers, user)
	}
}

// acquire leases the reconciler of user and starts it on the first lease.
// The returned func ends the lease; the last one stops Run.
func (c *Client) acquire(user keys.ID) (*reconcile.Reconciler, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.lookup(user)
	w.refs++
	if w.refs == 1 {
		if w.done != nil {
			// The previous run closes its subscribers on the way out.
			<-w.done
		}
		ctx, cancel := context.WithCancel(c.ctx)
		done := make(chan struct{})
		w.cancel, w.done = cancel, done
		c.metrics.RecordReconcilerStarted()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer close(done)
			defer c.metrics.RecordReconcilerStopped()
			_ = w.r.Run(ctx)
		}()
	}
	var once sync.Once
	return w.r, func() { once.Do(func() { c.release(user, w) }) }
}

func (c *Client) release(user keys.ID, w *watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.refs--
	if w.refs > 0 {
		return
	}
	w.cancel()
	if !w.kept && c.reconcilers[user] == w {
		delete(c.reconcilers, user)
	}
}

// Watching returns how many account views are running.
func (c *Client) Watching() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.reconcilers {
		if w.refs > 0 {
			n++
		}
	}
	return n
}

// Await blocks until the view of user satisfies pred.
func (c *Client) Await(ctx context.Context, user string, pred func(reconcile.AccountView) bool) (reconcile.AccountView, error) {
	id, err := c.normalize(user)
	if err != nil {
		return reconcile.AccountView{}, err
	}
	r, release := c.acquire(id)
	defer release()
	return r.Await(ctx, pred)
}

// View streams account views of user until ctx is done or the client
// closes. The view stops running once ctx is done.
func (c *Client) View(ctx context.Context, user string) (<-chan reconcile.AccountView, error) {
	id, err := c.normalize(user)
	if err != nil {
		return nil, err
	}
	r, release := c.acquire(id)
	ch := r.Subscribe(ctx)
	go func() {
		<-ctx.Done()
		release()
	}()
	return ch, nil
}
