// Package testkit wires an in-memory bank for tests: one ledger node, a
// contract backend and clients with their own private stores. The Groth16
// setup is shared by every test in a binary.
package testkit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"privbank/internal/circuit"
	"privbank/internal/client"
	"privbank/internal/contract"
	"privbank/internal/errs"
	"privbank/internal/ledger"
	"privbank/internal/logging"
	"privbank/internal/privstore"
)

var (
	proverOnce sync.Once
	prover     *circuit.Prover
	proverErr  error
)

// Prover returns the shared prover, running the setup on first use.
func Prover(t testing.TB) *circuit.Prover {
	t.Helper()
	proverOnce.Do(func() { prover, proverErr = circuit.NewProver() })
	require.NoError(t, proverErr)
	return prover
}

// Logger discards everything but still runs the production handler.
func Logger() *slog.Logger {
	return slog.New(logging.NewHandler(io.Discard, "privbank-test", "test", slog.LevelDebug))
}

// Env is one deployed contract.
type Env struct {
	Node    *ledger.Node
	Prover  *circuit.Prover
	Address string

	mu  sync.Mutex
	now time.Time
}

// New deploys a contract on a fresh node. The node is closed when the test
// ends.
func New(t testing.TB) *Env {
	t.Helper()
	e := &Env{
		Node:   ledger.NewNode(ledger.WithLogger(Logger())),
		Prover: Prover(t),
	}
	genesis, err := contract.Genesis()
	require.NoError(t, err)
	e.Address, err = e.Node.Deploy(context.Background(), genesis)
	require.NoError(t, err)
	t.Cleanup(e.Node.Close)
	return e
}

// SetNow pins the clock of every contract and client built by Env. The zero
// time restores the wall clock.
func (e *Env) SetNow(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Advance moves a pinned clock forward.
func (e *Env) Advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

// Now is the Env clock.
func (e *Env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.now.IsZero() {
		return time.Now()
	}
	return e.now
}

// Connect returns a contract invoker for address that uses the Env clock.
func (e *Env) Connect(address string) circuit.Invoker {
	c := contract.New(e.Node, address, e.Prover, contract.WithLogger(Logger()))
	c.SetNowFunc(e.Now)
	return c
}

// Providers builds client providers around store.
func (e *Env) Providers(store *privstore.Store) client.Providers {
	return client.Providers{
		Reader:  e.Node,
		Prover:  e.Prover,
		Private: store,
		Connect: e.Connect,
	}
}

// Client joins the contract with a fresh in-memory private store.
func (e *Env) Client(t testing.TB, opts ...client.Option) *client.Client {
	t.Helper()
	store := privstore.New(privstore.NewMemDB(), privstore.WithLogger(Logger()))
	opts = append([]client.Option{
		client.WithLogger(Logger()),
		client.WithClock(e.Now),
		client.WithRetryDelay(10 * time.Millisecond),
	}, opts...)
	c, err := client.Join(context.Background(), e.Providers(store), e.Address, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		_ = store.Close()
	})
	return c
}

// FlakyReader fails the first Failures calls of each method with a
// transient error.
type FlakyReader struct {
	ledger.Reader
	Failures int

	mu    sync.Mutex
	reads int
	subs  int
}

func (f *FlakyReader) Read(ctx context.Context, address string) (*ledger.Snapshot, error) {
	f.mu.Lock()
	f.reads++
	fail := f.reads <= f.Failures
	f.mu.Unlock()
	if fail {
		return nil, errs.Transient("ledger not ready", nil)
	}
	return f.Reader.Read(ctx, address)
}

func (f *FlakyReader) Subscribe(ctx context.Context, address string) (<-chan ledger.Snapshot, error) {
	f.mu.Lock()
	f.subs++
	fail := f.subs <= f.Failures
	f.mu.Unlock()
	if fail {
		return nil, errs.Transient("ledger not ready", nil)
	}
	return f.Reader.Subscribe(ctx, address)
}

// Reads returns the number of Read calls so far.
func (f *FlakyReader) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}
