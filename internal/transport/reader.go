package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"privbank/internal/errs"
	"privbank/internal/ledger"
)

const readLimit = 16 << 20

// RemoteReader is a ledger.Reader backed by a transport Server.
type RemoteReader struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

type ReaderOption func(*RemoteReader)

func WithHTTPClient(c *http.Client) ReaderOption {
	return func(r *RemoteReader) {
		if c != nil {
			r.http = c
		}
	}
}

func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *RemoteReader) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRemoteReader(baseURL string, opts ...ReaderOption) (*RemoteReader, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	r := &RemoteReader{base: u, http: http.DefaultClient, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *RemoteReader) endpoint(address string, stream bool) string {
	u := *r.base
	u.Path += "/ledger/" + url.PathEscape(address)
	if stream {
		u.Path += "/stream"
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
	}
	return u.String()
}

func decodeError(resp *http.Response) error {
	var p ErrorPayload
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &p) == nil && p.Message != "" {
		msg = p.Message
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return errs.NotFound(msg)
	case http.StatusUnauthorized:
		return errs.Authentication(msg)
	case http.StatusForbidden:
		return errs.Authorization(msg)
	case http.StatusConflict:
		return errs.State(msg)
	}
	return errs.Transient(fmt.Sprintf("ledger server returned %d", resp.StatusCode), fmt.Errorf("%s", msg))
}

// Read returns the latest snapshot at address, or nil when there is none.
func (r *RemoteReader) Read(ctx context.Context, address string) (*ledger.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(address, false), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, errs.Transient("ledger server unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var snap ledger.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, errs.Transient("decode snapshot", err)
	}
	return &snap, nil
}

// Subscribe streams snapshots of address. Slow readers only observe the
// latest snapshot. The channel is closed when ctx is done or the
// connection drops.
func (r *RemoteReader) Subscribe(ctx context.Context, address string) (<-chan ledger.Snapshot, error) {
	conn, resp, err := websocket.Dial(ctx, r.endpoint(address, true), &websocket.DialOptions{HTTPClient: r.http})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			if resp.Body != nil {
				defer resp.Body.Close()
			}
			return nil, decodeError(resp)
		}
		return nil, errs.Transient("dial ledger stream", err)
	}
	conn.SetReadLimit(readLimit)

	out := make(chan ledger.Snapshot, 1)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Debug("ledger stream ended", slog.String("address", address), slog.Any("error", err))
				}
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				r.logger.Warn("bad ledger frame", slog.Any("error", err))
				return
			}
			if msg.Type == TypeError {
				var p ErrorPayload
				_ = json.Unmarshal(msg.Payload, &p)
				r.logger.Warn("ledger stream error", slog.String("kind", p.Kind), slog.String("message", p.Message))
				return
			}
			var snap ledger.Snapshot
			if err := msg.Decode(TypeSnapshot, &snap); err != nil {
				r.logger.Warn("bad ledger frame", slog.Any("error", err))
				return
			}
			offer(out, snap)
		}
	}()
	return out, nil
}

func offer(ch chan ledger.Snapshot, s ledger.Snapshot) {
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
