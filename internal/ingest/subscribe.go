package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Op is a single repo operation carried by a commit event.
type Op struct {
	Action     string // "create", "update", or "delete"
	Collection string
	Rkey       string
	CID        string // declared content id, empty if the frame carried none
}

// Event is a filtered commit event: one repo's changes to the
// site-manifest collection.
type Event struct {
	DID string
	Seq int64
	Ops []Op
}

// Subscriber streams filtered commit events from the upstream repo-commit
// stream. Production code talks websocket+CBOR to the configured
// endpoint; tests supply a fake that replays a fixed sequence.
type Subscriber interface {
	Run(ctx context.Context, handle func(Event)) error
}

// defaultBackoff is the reconnect delay schedule, escalating then
// holding at one minute, mirroring the Notifier's fixed retryDelays
// schedule for webhook delivery attempts.
var defaultBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second,
	15 * time.Second, 30 * time.Second, 60 * time.Second,
}

// WSSubscriber is the production Subscriber: a long-lived websocket
// client to the commit-stream endpoint, filtered to Collection,
// reconnecting with exponential backoff on failure.
type WSSubscriber struct {
	Endpoint   string
	Collection string
	Backoff    []time.Duration

	// OnConnect and OnDisconnect, if set, are called as the connection
	// opens and closes; the Worker uses them to track Health.Connected.
	OnConnect    func()
	OnDisconnect func(err error)
}

// Run blocks, dispatching events to handle, until ctx is canceled. A
// connection failure triggers a reconnect after the next backoff delay;
// a session that lasted longer than the longest delay resets the backoff
// schedule.
func (s *WSSubscriber) Run(ctx context.Context, handle func(Event)) error {
	backoff := s.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connectedAt := time.Now()
		err := s.runOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(connectedAt) > backoff[len(backoff)-1] {
			attempt = 0
		}
		delay := backoff[min(attempt, len(backoff)-1)]
		slog.Warn("ingest: commit stream disconnected, reconnecting", "err", err, "delay", delay)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *WSSubscriber) runOnce(ctx context.Context, handle func(Event)) error {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return fmt.Errorf("ingest: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("collections", s.Collection)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ingest: dial: %w", err)
	}
	defer conn.Close()

	if s.OnConnect != nil {
		s.OnConnect()
	}
	var runErr error
	defer func() {
		if s.OnDisconnect != nil {
			s.OnDisconnect(runErr)
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			runErr = fmt.Errorf("ingest: read frame: %w", err)
			return runErr
		}
		ev, ok, err := decodeFrame(data)
		if err != nil {
			slog.Debug("ingest: dropping malformed commit frame", "err", err)
			continue
		}
		if !ok {
			continue
		}
		handle(ev)
	}
}

// frameHeader is the first of two concatenated CBOR objects in a
// subscribeRepos frame. Only "#commit" frames carry record operations;
// identity/account/info frames are ignored.
type frameHeader struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t"`
}

type commitFrame struct {
	Seq  int64     `cbor:"seq"`
	Repo string    `cbor:"repo"`
	Ops  []opFrame `cbor:"ops"`
}

type opFrame struct {
	Action string  `cbor:"action"`
	Path   string  `cbor:"path"`
	Cid    *string `cbor:"cid"`
}

// decodeFrame parses one subscribeRepos frame (header object followed
// immediately by a payload object) into an Event. It returns ok=false for
// any frame type other than "#commit".
func decodeFrame(data []byte) (Event, bool, error) {
	dec := cbor.NewDecoder(bytes.NewReader(data))
	var hdr frameHeader
	if err := dec.Decode(&hdr); err != nil {
		return Event{}, false, fmt.Errorf("decode header: %w", err)
	}
	if hdr.T != "#commit" {
		return Event{}, false, nil
	}
	var payload commitFrame
	if err := dec.Decode(&payload); err != nil {
		return Event{}, false, fmt.Errorf("decode payload: %w", err)
	}
	ev := Event{DID: payload.Repo, Seq: payload.Seq}
	for _, op := range payload.Ops {
		collection, rkey, ok := splitCollectionPath(op.Path)
		if !ok {
			continue
		}
		cid := ""
		if op.Cid != nil {
			cid = *op.Cid
		}
		ev.Ops = append(ev.Ops, Op{Action: op.Action, Collection: collection, Rkey: rkey, CID: cid})
	}
	return ev, true, nil
}

// splitCollectionPath splits a repo op path of the form
// "<collection>/<rkey>" (the collection NSID may itself contain dots but
// never a slash).
func splitCollectionPath(path string) (collection, rkey string, ok bool) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
