// Package dlock implements the cross-process advisory lock described in
// spec.md §4.H. SQLite has no native advisory-lock primitive, so the lock
// is modeled as a single row in the shared `lock` table with an expiry
// timestamp: acquiring is an INSERT-or-steal-expired upsert, and releasing
// deletes the row if (and only if) the caller still holds it.
package dlock

import (
	"crypto/sha256"
	"errors"
	"time"

	"wisp-edge/internal/controldb"
	"wisp-edge/internal/metrics"
)

// ErrHeld is returned by TryAcquire when another holder currently owns the
// lock and its lease has not expired.
var ErrHeld = errors.New("dlock: lock is held by another holder")

// DefaultTTL is the lease duration granted by TryAcquire. A holder that
// dies without releasing loses the lock automatically once its lease
// expires, which is how this scheme survives a crashed ingest goroutine
// without ever blocking forever (spec.md's Open Question on advisory
// locks).
const DefaultTTL = 30 * time.Second

// Locker acquires and releases named locks against the shared database.
type Locker struct {
	db *controldb.DB
}

// New constructs a Locker backed by db.
func New(db *controldb.DB) *Locker {
	return &Locker{db: db}
}

// KeyID derives the lock table key for a (userID, siteName) pair. Using a
// hash rather than the raw concatenation keeps the key length bounded and
// avoids any separator-collision ambiguity between user and site names.
func KeyID(userID, siteName string) string {
	h := sha256.Sum256([]byte(userID + "\x00" + siteName))
	return hexEncode(h[:16])
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

// TryAcquire attempts to take the named lock for holder, granting a lease
// of ttl. It succeeds if no row exists for key, or if the existing row's
// lease has expired — in which case it is stolen. It fails with ErrHeld if
// a live lease is held by a different holder.
func (l *Locker) TryAcquire(key, holder string, ttl time.Duration) error {
	now := time.Now()
	expires := now.Add(ttl)

	res, err := l.db.Exec(`
		UPDATE lock SET holder = ?, expires_at = ?
		WHERE key = ? AND (expires_at < ? OR holder = ?)
	`, holder, expires.Unix(), key, now.Unix(), holder)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = l.db.Exec(`INSERT INTO lock (key, holder, expires_at) VALUES (?, ?, ?)`, key, holder, expires.Unix())
	if err == nil {
		return nil
	}
	// Row now exists (lost the race, or existing lease is still live):
	// distinguish "held by someone else" from a genuine DB error by
	// re-reading the row.
	var existingHolder string
	var existingExpires int64
	qerr := l.db.QueryRow(`SELECT holder, expires_at FROM lock WHERE key = ?`, key).Scan(&existingHolder, &existingExpires)
	if qerr != nil {
		return err
	}
	if existingHolder == holder || time.Unix(existingExpires, 0).Before(now) {
		_, err = l.db.Exec(`UPDATE lock SET holder = ?, expires_at = ? WHERE key = ?`, holder, expires.Unix(), key)
		return err
	}
	metrics.CountLockContention()
	return ErrHeld
}

// Release drops the lock if holder still owns it. Releasing a lock that
// has already expired and been stolen by someone else is a silent no-op,
// matching how a real advisory lock behaves when its session has already
// ended.
func (l *Locker) Release(key, holder string) error {
	_, err := l.db.Exec(`DELETE FROM lock WHERE key = ? AND holder = ?`, key, holder)
	return err
}

// Renew extends an already-held lock's lease, used by long-running holders
// to avoid losing the lock to expiry mid-operation.
func (l *Locker) Renew(key, holder string, ttl time.Duration) error {
	res, err := l.db.Exec(`UPDATE lock SET expires_at = ? WHERE key = ? AND holder = ?`, time.Now().Add(ttl).Unix(), key, holder)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		metrics.CountLockContention()
		return ErrHeld
	}
	return nil
}
