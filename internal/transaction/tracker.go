// Package transaction tracks persistence calls that are waiting for an
// acknowledgement and reports the ones that never get one.
package transaction

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"protoedit/editcore/internal/metrics"
	"protoedit/editcore/internal/sched"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultInterval  = 3 * time.Second
	DefaultMaxChecks = 4
)

// ErrTimeout marks a transaction that was still open at its last check
var ErrTimeout = errors.New("transaction timed out")

// TimeoutError describes one timed out transaction
type TimeoutError struct {
	ID      string
	Age     time.Duration
	Changes int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s with %d changes still open after %s", e.ID, e.Changes, e.Age)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Transaction is one in-flight partial update
type Transaction struct {
	ID        string
	StartedAt time.Time
	Changes   []wire.Change

	checks int
	timer  sched.Timer
}

// Tracker keeps the open transactions of one session. Every transaction is
// checked once per interval; if it is still open at check number maxChecks
// one anomaly is reported. The transaction is never retried and stays in the
// table until it is ended.
type Tracker struct {
	sched     sched.Scheduler
	interval  time.Duration
	maxChecks int
	onAnomaly func(*TimeoutError)
	open      map[string]*Transaction
}

// Option configures a Tracker
type Option func(*Tracker)

// WithInterval sets the time between checks
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithMaxChecks sets the check that reports an open transaction
func WithMaxChecks(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxChecks = n
		}
	}
}

// WithAnomalyHandler registers fn to receive timed out transactions
func WithAnomalyHandler(fn func(*TimeoutError)) Option {
	return func(t *Tracker) {
		t.onAnomaly = fn
	}
}

// NewTracker creates a tracker whose checks run on s
func NewTracker(s sched.Scheduler, opts ...Option) *Tracker {
	t := &Tracker{
		sched:     s,
		interval:  DefaultInterval,
		maxChecks: DefaultMaxChecks,
		open:      make(map[string]*Transaction),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens a transaction for changes and returns its id
func (t *Tracker) Start(changes []wire.Change) string {
	now := t.sched.Now()
	tx := &Transaction{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		StartedAt: now,
		Changes:   changes,
	}
	t.open[tx.ID] = tx
	metrics.TransactionsOpen.Inc()
	glog.V(2).Infof("Started transaction %s with %d changes", tx.ID, len(changes))
	t.schedule(tx)
	return tx.ID
}

func (t *Tracker) schedule(tx *Transaction) {
	tx.timer = t.sched.AfterFunc(t.interval, func() {
		t.check(tx.ID)
	})
}

func (t *Tracker) check(id string) {
	tx, ok := t.open[id]
	if !ok {
		return
	}
	tx.checks++
	if tx.checks < t.maxChecks {
		glog.V(3).Infof("Transaction %s still open, check %d", id, tx.checks)
		t.schedule(tx)
		return
	}
	tx.timer = nil

	err := &TimeoutError{
		ID:      id,
		Age:     t.sched.Now().Sub(tx.StartedAt),
		Changes: len(tx.Changes),
	}
	metrics.TransactionAnomalies.Inc()
	glog.Errorf("Transaction anomaly: %v", err)
	if t.onAnomaly != nil {
		t.onAnomaly(err)
	}
}

// End closes the transaction. Unknown ids are ignored.
func (t *Tracker) End(id string) {
	tx, ok := t.open[id]
	if !ok {
		glog.V(2).Infof("End of unknown transaction %s", id)
		return
	}
	delete(t.open, id)
	if tx.timer != nil {
		tx.timer.Stop()
	}
	age := t.sched.Now().Sub(tx.StartedAt)
	metrics.TransactionsOpen.Dec()
	metrics.TransactionDuration.Observe(age.Seconds())
	glog.V(2).Infof("Ended transaction %s after %s", id, age)
}

// Open returns the open transactions, oldest first
func (t *Tracker) Open() []*Transaction {
	out := make([]*Transaction, 0, len(t.open))
	for _, tx := range t.open {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of open transactions
func (t *Tracker) Len() int {
	return len(t.open)
}

// Stop cancels pending checks. Open transactions are kept.
func (t *Tracker) Stop() {
	for _, tx := range t.open {
		if tx.timer != nil {
			tx.timer.Stop()
			tx.timer = nil
		}
	}
}
