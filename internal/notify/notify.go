// Package notify fires signed webhook notifications for site lifecycle
// events (site.created, site.updated, site.deleted), delivering against
// the webhook_subscriptions/webhook_deliveries tables that
// wisp-edge/internal/controldb owns. It generalizes the teacher's
// internal/webhook.Notifier from a single-webhook-per-site config value to
// a DB-row subscription model, keeping the same delivery shape: a bounded
// semaphore for outbound sends, a fixed retry-delay schedule, and one
// webhook_deliveries row per delivery, updated after every attempt.
package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"
)

// Notifier dispatches site lifecycle events to every subscription opted
// into that event type. Fire never blocks the caller: events are queued
// onto a bounded channel and dropped (with a warning log) if the queue is
// full, so a slow or unreachable subscriber can never apply backpressure
// to ingestion.
type Notifier struct {
	db          *sql.DB
	client      *http.Client
	retryDelays []time.Duration
	sem         chan struct{}
	queue       chan event
}

type event struct {
	eventType string
	userID    string
	siteName  string
	data      map[string]any
}

// NewNotifier creates a Notifier and starts its dispatch loop. db must
// already have the webhook_subscriptions/webhook_deliveries tables
// (controldb.Open applies that migration).
func NewNotifier(db *sql.DB) *Notifier {
	n := &Notifier{
		db:          db,
		client:      newSafeClient(),
		retryDelays: []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute},
		sem:         make(chan struct{}, 20),
		queue:       make(chan event, 256),
	}
	go n.run()
	return n
}

// SetClient overrides the HTTP client used for webhook delivery. Test hook.
func (n *Notifier) SetClient(c *http.Client) { n.client = c }

// Fire enqueues a site lifecycle event for asynchronous delivery to every
// subscription matching (userID, siteName) and opted into eventType.
func (n *Notifier) Fire(eventType, userID, siteName string, data map[string]any) {
	select {
	case n.queue <- event{eventType: eventType, userID: userID, siteName: siteName, data: data}:
	default:
		slog.Warn("notify: dropping event, delivery queue full", "event", eventType, "site", siteName)
	}
}

func (n *Notifier) run() {
	for ev := range n.queue {
		n.dispatch(ev)
	}
}

func (n *Notifier) dispatch(ev event) {
	subs, err := n.subscriptions(ev.userID, ev.siteName, ev.eventType)
	if err != nil {
		slog.Error("notify: list subscriptions", "err", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":      ev.eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"userId":    ev.userID,
		"site":      ev.siteName,
		"data":      ev.data,
	})
	if err != nil {
		slog.Error("notify: marshal payload", "err", err)
		return
	}
	for _, sub := range subs {
		go n.deliver(ev.eventType, ev.userID, ev.siteName, sub, payload)
	}
}

type subscription struct {
	url    string
	secret string
}

// subscriptions returns the subscriptions for (userID, siteName) opted
// into eventType; an empty events list means "all events".
func (n *Notifier) subscriptions(userID, siteName, eventType string) ([]subscription, error) {
	rows, err := n.db.Query(
		`SELECT url, secret, events FROM webhook_subscriptions WHERE user_id = ? AND site_name = ?`,
		userID, siteName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []subscription
	for rows.Next() {
		var url, secret, eventsJSON string
		if err := rows.Scan(&url, &secret, &eventsJSON); err != nil {
			return nil, err
		}
		if !subscribedTo(eventsJSON, eventType) {
			continue
		}
		out = append(out, subscription{url: url, secret: secret})
	}
	return out, rows.Err()
}

func subscribedTo(eventsJSON, eventType string) bool {
	if eventsJSON == "" {
		return true
	}
	var events []string
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return true
	}
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}

func (n *Notifier) deliver(eventType, userID, siteName string, sub subscription, payload []byte) {
	deliveryID, err := n.insertDelivery(eventType, userID, siteName, payload)
	if err != nil {
		slog.Error("notify: insert delivery row", "err", err)
		return
	}

	msgID := "msg_" + randomHex(16)
	maxAttempts := 1 + len(n.retryDelays)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Acquire a semaphore slot only for the network call so retries
		// (which sleep up to a few minutes total) don't hold a slot idle.
		select {
		case n.sem <- struct{}{}:
		default:
			n.finishDelivery(deliveryID, attempt, "failed", "too many pending deliveries")
			return
		}
		status, sendErr := n.send(sub.url, sub.secret, msgID, time.Now().UTC(), payload)
		<-n.sem

		if sendErr == nil && status >= 200 && status < 300 {
			n.finishDelivery(deliveryID, attempt, "delivered", "")
			return
		}
		// Don't retry on 406: the receiver is explicitly rejecting the payload.
		if sendErr == nil && status == http.StatusNotAcceptable {
			n.finishDelivery(deliveryID, attempt, "failed", "receiver rejected payload (406)")
			return
		}

		errStr := ""
		if sendErr != nil {
			errStr = sendErr.Error()
		} else {
			errStr = fmt.Sprintf("unexpected status %d", status)
		}
		if attempt == maxAttempts {
			n.finishDelivery(deliveryID, attempt, "failed", errStr)
			return
		}
		n.recordAttempt(deliveryID, attempt, "pending", errStr)
		time.Sleep(n.retryDelays[attempt-1])
	}
}

func (n *Notifier) send(url, secret, msgID string, ts time.Time, payload []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("webhook-id", msgID)
	req.Header.Set("webhook-timestamp", fmt.Sprintf("%d", ts.Unix()))

	if secret != "" {
		wh, err := standardwebhooks.NewWebhook(strings.TrimPrefix(secret, "whsec_"))
		if err != nil {
			return 0, fmt.Errorf("init webhook signer: %w", err)
		}
		sig, err := wh.Sign(msgID, ts, payload)
		if err != nil {
			return 0, fmt.Errorf("sign webhook: %w", err)
		}
		req.Header.Set("webhook-signature", sig)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (n *Notifier) insertDelivery(eventType, userID, siteName string, payload []byte) (int64, error) {
	res, err := n.db.Exec(
		`INSERT INTO webhook_deliveries (event_type, user_id, site_name, payload, status, attempts)
		 VALUES (?, ?, ?, ?, 'pending', 0)`,
		eventType, userID, siteName, string(payload),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (n *Notifier) recordAttempt(id int64, attempts int, status, errStr string) {
	_, err := n.db.Exec(
		`UPDATE webhook_deliveries SET attempts = ?, status = ?, last_attempt_at = ?, error = ? WHERE id = ?`,
		attempts, status, time.Now().Unix(), errStr, id,
	)
	if err != nil {
		slog.Error("notify: record attempt", "err", err)
	}
}

func (n *Notifier) finishDelivery(id int64, attempts int, status, errStr string) {
	now := time.Now()
	var delivered sql.NullInt64
	if status == "delivered" {
		delivered = sql.NullInt64{Int64: now.Unix(), Valid: true}
	}
	_, err := n.db.Exec(
		`UPDATE webhook_deliveries SET attempts = ?, status = ?, last_attempt_at = ?, delivered_at = ?, error = ? WHERE id = ?`,
		attempts, status, now.Unix(), delivered, errStr, id,
	)
	if err != nil {
		slog.Error("notify: finish delivery", "err", err)
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func newSafeClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return nil
			}
			if isPrivateIP(ip) {
				return fmt.Errorf("notify: refusing to connect to private address %s", ip)
			}
			return nil
		},
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}
}

var privateNetworks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	} {
		_, network, _ := net.ParseCIDR(cidr)
		privateNetworks = append(privateNetworks, network)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsUnspecified() || ip.IsLoopback() {
		return true
	}
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// AddSubscription inserts or replaces a webhook subscription for
// (userID, siteName). events is the set of event types to deliver; an
// empty slice subscribes to every event type.
func AddSubscription(ctx context.Context, db *sql.DB, userID, siteName, url, secret string, events []string) error {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("notify: marshal events: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (user_id, site_name, url, secret, events)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, site_name, url) DO UPDATE SET secret = excluded.secret, events = excluded.events`,
		userID, siteName, url, secret, string(eventsJSON),
	)
	return err
}

// RemoveSubscription deletes a webhook subscription.
func RemoveSubscription(ctx context.Context, db *sql.DB, userID, siteName, url string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE user_id = ? AND site_name = ? AND url = ?`,
		userID, siteName, url,
	)
	return err
}
