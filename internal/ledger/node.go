// node.go - In-process ledger host.
//
// Node stores the committed state of deployed banking contracts and streams
// every new snapshot to subscribers. State is opaque JSON to the node; the
// contract backend decodes and re-encodes it on each commit. The node can be
// persisted to a single ledger file and reloaded.

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"privbank/internal/errs"
)

// Snapshot is one committed state of a contract.
type Snapshot struct {
	Address string          `json:"address"`
	Height  uint64          `json:"height"`
	Data    json.RawMessage `json:"data"`
}

// Reader yields committed state and a live stream of updates.
type Reader interface {
	// Read returns the latest snapshot, or nil if nothing is deployed at address.
	Read(ctx context.Context, address string) (*Snapshot, error)
	// Subscribe streams the current snapshot followed by every later one.
	// Slow readers only observe the latest snapshot. The channel is closed
	// when ctx is done or the reader shuts down.
	Subscribe(ctx context.Context, address string) (<-chan Snapshot, error)
}

var ErrClosed = errors.New("ledger: node closed")

type hosted struct {
	snap Snapshot
	subs map[int]chan Snapshot
}

// Node is a Reader backed by process memory.
type Node struct {
	mu        sync.Mutex
	contracts map[string]*hosted
	nextSub   int
	closed    bool
	logger    *slog.Logger
}

// NodeOption customizes a Node.
type NodeOption func(*Node)

// WithLogger sets the node's logger.
func WithLogger(l *slog.Logger) NodeOption {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

func NewNode(opts ...NodeOption) *Node {
	n := &Node{
		contracts: make(map[string]*hosted),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Deploy hosts a new contract with initial state and returns its address.
func (n *Node) Deploy(ctx context.Context, initial []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !json.Valid(initial) {
		return "", errors.New("ledger: initial state is not valid JSON")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return "", errs.Transient("node unavailable", ErrClosed)
	}
	addr := uuid.NewString()
	n.contracts[addr] = &hosted{
		snap: Snapshot{Address: addr, Height: 0, Data: append(json.RawMessage(nil), initial...)},
		subs: make(map[int]chan Snapshot),
	}
	n.logger.Info("contract deployed", slog.String("address", addr))
	return addr, nil
}

func (n *Node) Read(ctx context.Context, address string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errs.Transient("node unavailable", ErrClosed)
	}
	h, ok := n.contracts[address]
	if !ok {
		return nil, nil
	}
	s := h.snap
	return &s, nil
}

func (n *Node) Subscribe(ctx context.Context, address string) (<-chan Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errs.Transient("node unavailable", ErrClosed)
	}
	h, ok := n.contracts[address]
	if !ok {
		return nil, errs.NotFound(fmt.Sprintf("no contract at %s", address))
	}
	id := n.nextSub
	n.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- h.snap
	h.subs[id] = ch

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}()
	return ch, nil
}

// Commit applies fn to the latest state of address and publishes the result
// as the next snapshot. Commits are serialized; if fn fails nothing changes.
func (n *Node) Commit(ctx context.Context, address string, fn func(Snapshot) ([]byte, error)) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return Snapshot{}, errs.Transient("node unavailable", ErrClosed)
	}
	h, ok := n.contracts[address]
	if !ok {
		return Snapshot{}, errs.NotFound(fmt.Sprintf("no contract at %s", address))
	}
	data, err := fn(h.snap)
	if err != nil {
		return Snapshot{}, err
	}
	if !json.Valid(data) {
		return Snapshot{}, errors.New("ledger: committed state is not valid JSON")
	}
	h.snap = Snapshot{Address: address, Height: h.snap.Height + 1, Data: data}
	for _, ch := range h.subs {
		offer(ch, h.snap)
	}
	return h.snap, nil
}

// offer delivers s, replacing any snapshot the reader has not consumed yet.
func offer(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Close ends every subscription. Later calls fail with a transient error.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, h := range n.contracts {
		for id, ch := range h.subs {
			delete(h.subs, id)
			close(ch)
		}
	}
}

type nodeFile struct {
	Contracts []Snapshot `json:"contracts"`
}

// SaveToFile writes every contract's latest snapshot to path.
func (n *Node) SaveToFile(path string) error {
	n.mu.Lock()
	file := nodeFile{Contracts: make([]Snapshot, 0, len(n.contracts))}
	for _, h := range n.contracts {
		file.Contracts = append(file.Contracts, h.snap)
	}
	n.mu.Unlock()
	sort.Slice(file.Contracts, func(i, j int) bool { return file.Contracts[i].Address < file.Contracts[j].Address })

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(file)
}

// LoadNodeFromFile restores a node saved with SaveToFile.
func LoadNodeFromFile(path string, opts ...NodeOption) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var file nodeFile
	if err := json.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("ledger: decode %s: %w", path, err)
	}
	n := NewNode(opts...)
	for _, s := range file.Contracts {
		n.contracts[s.Address] = &hosted{snap: s, subs: make(map[int]chan Snapshot)}
	}
	return n, nil
}
