// Package ledger stores one ciphertext record per
// (owner, period). Every submission is checked against the
// engine's provenance proof, bounded by a population cap,
// granted back to its owner and announced on the event
// log. All writes of one call commit in one transaction,
// and write transactions run one at a time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/internal/metrics"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/engine"
	"github.com/i5heu/ouroboros-ledger/pkg/events"
	"github.com/i5heu/ouroboros-ledger/pkg/grants"
	"github.com/i5heu/ouroboros-ledger/pkg/period"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const (
	// MaxBatchSize is the largest accepted SubmitBatch.
	MaxBatchSize = 30

	// DefaultMaxUsers is the population cap of a new
	// ledger.
	DefaultMaxUsers = 1000
)

const (
	logKeyOwner  = "owner"
	logKeyPeriod = "period"
	logKeyHandle = "handle"
	logKeyItems  = "items"
	logKeyUsers  = "totalUsers"
	logKeyCaller = "caller"
)

var (
	// ErrCapacityExceeded is returned when a new principal
	// submits while the population cap is reached.
	ErrCapacityExceeded = errors.New("ledger: capacity exceeded")

	// ErrInvalidBatch is returned for empty, oversized or
	// mismatched batches.
	ErrInvalidBatch = errors.New("ledger: invalid batch")

	// ErrInvalidProvenance is returned when a handle's proof
	// does not bind it to this ledger and the submitter.
	ErrInvalidProvenance = engine.ErrInvalidProvenance

	// ErrNotAdmin is returned when a non-admin caller uses
	// an administrative operation.
	ErrNotAdmin = errors.New("ledger: caller is not the admin")

	// ErrInvalidCapacity is returned for a population cap
	// below the current population.
	ErrInvalidCapacity = errors.New("ledger: invalid capacity")

	// ErrInvalidAdmin is returned when the admin would be
	// set to the zero principal.
	ErrInvalidAdmin = errors.New("ledger: invalid admin")
)

// Config configures a Ledger.
type Config struct { // A
	Store    *keyValStore.KeyValStore
	Verifier engine.ProvenanceVerifier
	Grants   *grants.Registry
	Events   *events.Log
	// Address is the ledger identity proofs and disclosure
	// authorizations are bound to.
	Address types.Principal
	// Admin is installed on first start only.
	Admin types.Principal
	// MaxUsers is installed on first start only. Zero
	// selects DefaultMaxUsers.
	MaxUsers uint64
	Clock    auth.Clock
	Period   period.Func
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
}

// Ledger is safe for concurrent use.
type Ledger struct { // A
	store    *keyValStore.KeyValStore
	verifier engine.ProvenanceVerifier
	grants   *grants.Registry
	events   *events.Log
	address  types.Principal
	clock    auth.Clock
	period   period.Func
	metrics  *metrics.Metrics
	log      *logrus.Logger

	// writeMu orders every read-write transaction of the
	// ledger into one sequence, so submissions never lose
	// a badger conflict against each other.
	writeMu sync.Mutex
}

// New opens the ledger and initialises the population
// counter and the admin on first start.
func New(ctx context.Context, cfg Config) (*Ledger, error) { // A
	if cfg.Store == nil || cfg.Verifier == nil || cfg.Grants == nil {
		return nil, errors.New(
			"ledger: store, verifier and grants are required",
		)
	}
	if cfg.Address.IsZero() {
		return nil, errors.New("ledger: address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.Period == nil {
		cfg.Period = period.Daily().Current(cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.MaxUsers == 0 {
		cfg.MaxUsers = DefaultMaxUsers
	}

	l := &Ledger{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		grants:   cfg.Grants,
		events:   cfg.Events,
		address:  cfg.Address,
		clock:    cfg.Clock,
		period:   cfg.Period,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}

	var counter types.SystemCounter
	err := l.store.Update(ctx, func(tx *keyValStore.Txn) error {
		found, err := tx.Get(populationKey, &counter)
		if err != nil {
			return err
		}
		if !found {
			counter = types.SystemCounter{MaxUsers: cfg.MaxUsers}
			if err := tx.Put(populationKey, counter); err != nil {
				return err
			}
		}
		hasAdmin, err := tx.Has(adminKey)
		if err != nil || hasAdmin {
			return err
		}
		return tx.Put(adminKey, cfg.Admin)
	})
	if err != nil {
		return nil, fmt.Errorf("initialise ledger: %w", err)
	}
	if counter.MaxUsers != cfg.MaxUsers {
		l.log.WithFields(logrus.Fields{
			"stored":     counter.MaxUsers,
			"configured": cfg.MaxUsers,
		}).Warn("keeping stored population cap")
	}
	l.metrics.Users(counter.TotalUsers)
	return l, nil
}

// Address returns the ledger identity.
func (l *Ledger) Address() types.Principal { // A
	return l.address
}

// CurrentPeriod returns "today" per the injected period
// function.
func (l *Ledger) CurrentPeriod() types.Period { // A
	return l.period()
}

// Submit stores in as the record of (owner, period),
// replacing any earlier record for that key. The grant on
// a replaced handle is kept.
func (l *Ledger) Submit( // A
	ctx context.Context,
	owner types.Principal,
	p types.Period,
	in types.EncryptedInput,
) (types.Record, error) {
	if err := l.verify(ctx, owner, in); err != nil {
		l.metrics.Submission(resultOf(err))
		return types.Record{}, err
	}

	var (
		rec      types.Record
		admitted admission
	)
	err := l.update(ctx, func(tx *keyValStore.Txn) error {
		var err error
		admitted, err = l.admit(tx, owner, p)
		if err != nil {
			return err
		}
		rec, err = l.write(ctx, tx, owner, p, in.Handle)
		return err
	})
	l.metrics.Submission(resultOf(err))
	if err != nil {
		return types.Record{}, err
	}

	l.joined(admitted)
	l.announce(ctx, rec)
	l.log.WithFields(logrus.Fields{
		logKeyOwner:  owner.String(),
		logKeyPeriod: p,
		logKeyHandle: in.Handle.Tag(),
	}).Debug("record stored")
	return rec, nil
}

// SubmitToday submits for the current period.
func (l *Ledger) SubmitToday( // A
	ctx context.Context,
	owner types.Principal,
	in types.EncryptedInput,
) (types.Record, error) {
	return l.Submit(ctx, owner, l.period(), in)
}

// SubmitBatch submits several periods at once. The batch
// is validated in full before anything is written and
// commits atomically. A period listed twice keeps its last
// value.
func (l *Ledger) SubmitBatch( // A
	ctx context.Context,
	owner types.Principal,
	periods []types.Period,
	inputs []types.EncryptedInput,
) ([]types.Record, error) {
	if err := validateBatch(periods, inputs); err != nil {
		l.metrics.Batch(resultOf(err))
		return nil, err
	}
	for i, in := range inputs {
		if err := l.verify(ctx, owner, in); err != nil {
			l.metrics.Batch(resultOf(err))
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	var (
		recs     []types.Record
		admitted admission
	)
	err := l.update(ctx, func(tx *keyValStore.Txn) error {
		recs = recs[:0]
		var err error
		admitted, err = l.admit(tx, owner, periods[len(periods)-1])
		if err != nil {
			return err
		}
		for i, p := range periods {
			rec, err := l.write(ctx, tx, owner, p, inputs[i].Handle)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	l.metrics.Batch(resultOf(err))
	if err != nil {
		return nil, err
	}

	l.joined(admitted)
	for _, rec := range recs {
		l.announce(ctx, rec)
	}
	l.log.WithFields(logrus.Fields{
		logKeyOwner: owner.String(),
		logKeyItems: len(recs),
	}).Debug("batch stored")
	return recs, nil
}

// Get returns the handle stored for (owner, period), or
// the zero handle when there is none.
func (l *Ledger) Get( // A
	ctx context.Context,
	owner types.Principal,
	p types.Period,
) (types.Handle, error) {
	rec, _, err := l.Record(ctx, owner, p)
	return rec.Value, err
}

// Exists reports whether a record is stored for
// (owner, period).
func (l *Ledger) Exists( // A
	ctx context.Context,
	owner types.Principal,
	p types.Period,
) (bool, error) {
	_, ok, err := l.Record(ctx, owner, p)
	return ok, err
}

// Record returns the full record of (owner, period).
func (l *Ledger) Record( // A
	ctx context.Context,
	owner types.Principal,
	p types.Period,
) (types.Record, bool, error) {
	var rec types.Record
	err := l.store.View(ctx, func(tx *keyValStore.Txn) error {
		_, err := tx.Get(recordKey(owner, p), &rec)
		return err
	})
	if err != nil {
		return types.Record{}, false, err
	}
	return rec, rec.Exists(), nil
}

// Snapshot reads the records of several periods from one
// consistent view. Missing periods yield a zero Record.
func (l *Ledger) Snapshot( // A
	ctx context.Context,
	owner types.Principal,
	periods []types.Period,
) ([]types.Record, error) {
	out := make([]types.Record, len(periods))
	err := l.store.View(ctx, func(tx *keyValStore.Txn) error {
		for i, p := range periods {
			if _, err := tx.Get(recordKey(owner, p), &out[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AnyExists reports whether any of periods holds a record,
// stopping at the first hit.
func (l *Ledger) AnyExists( // A
	ctx context.Context,
	owner types.Principal,
	periods []types.Period,
) (bool, error) {
	var found bool
	err := l.store.View(ctx, func(tx *keyValStore.Txn) error {
		for _, p := range periods {
			ok, err := tx.Has(recordKey(owner, p))
			if err != nil {
				return err
			}
			if ok {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

// LastPeriod returns the period of owner's most recent
// submission, or 0 if owner never submitted.
func (l *Ledger) LastPeriod( // A
	ctx context.Context,
	owner types.Principal,
) (types.Period, error) {
	acct, err := l.Account(ctx, owner)
	return acct.LastPeriod, err
}

// Account returns owner's account state. A principal that
// never submitted has the zero state.
func (l *Ledger) Account( // A
	ctx context.Context,
	owner types.Principal,
) (types.UserAccountState, error) {
	var acct types.UserAccountState
	err := l.store.View(ctx, func(tx *keyValStore.Txn) error {
		_, err := tx.Get(accountKey(owner), &acct)
		return err
	})
	return acct, err
}

// Stats returns the population counter.
func (l *Ledger) Stats( // A
	ctx context.Context,
) (types.SystemCounter, error) {
	var counter types.SystemCounter
	err := l.store.View(ctx, func(tx *keyValStore.Txn) error {
		_, err := tx.Get(populationKey, &counter)
		return err
	})
	return counter, err
}

// verify checks the provenance proof of in for owner.
func (l *Ledger) verify( // A
	ctx context.Context,
	owner types.Principal,
	in types.EncryptedInput,
) error {
	err := l.verifier.VerifyInput(ctx, l.address, owner, in)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidProvenance) {
		return err
	}
	if errors.Is(err, engine.ErrUnknownHandle) {
		return fmt.Errorf("%w: %w", ErrInvalidProvenance, err)
	}
	return fmt.Errorf("verify input: %w", err)
}

// admission is what admit decided for one submitter.
type admission struct {
	firstTime bool
	counter   types.SystemCounter
}

// admit updates owner's account and, for a first-time
// submitter, the population counter. The counter is only
// read for first-time submitters.
func (l *Ledger) admit( // A
	tx *keyValStore.Txn,
	owner types.Principal,
	p types.Period,
) (admission, error) {
	var (
		acct types.UserAccountState
		adm  admission
	)
	if _, err := tx.Get(accountKey(owner), &acct); err != nil {
		return adm, err
	}

	if !acct.HasSubmittedBefore {
		if _, err := tx.Get(populationKey, &adm.counter); err != nil {
			return adm, err
		}
		if adm.counter.Full() {
			return adm, ErrCapacityExceeded
		}
		adm.counter.TotalUsers++
		if err := tx.Put(populationKey, adm.counter); err != nil {
			return adm, err
		}
		adm.firstTime = true
	}

	acct.HasSubmittedBefore = true
	acct.LastPeriod = p
	return adm, tx.Put(accountKey(owner), acct)
}

// joined reports a new principal to metrics and logs.
func (l *Ledger) joined(adm admission) { // A
	if !adm.firstTime {
		return
	}
	l.metrics.Users(adm.counter.TotalUsers)
	l.log.WithField(logKeyUsers, adm.counter.TotalUsers).Debug("principal joined")
}

// update runs fn as the only ledger write in flight.
func (l *Ledger) update( // A
	ctx context.Context,
	fn func(tx *keyValStore.Txn) error,
) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.store.Update(ctx, fn)
}

// write stores the record and grants its handle to the
// owner in the same transaction.
func (l *Ledger) write( // A
	ctx context.Context,
	tx *keyValStore.Txn,
	owner types.Principal,
	p types.Period,
	h types.Handle,
) (types.Record, error) {
	created := l.clock.Now().Unix()
	if created < 1 {
		created = 1
	}
	rec := types.Record{
		Owner:     owner,
		Period:    p,
		Value:     h,
		CreatedAt: created,
	}
	if err := tx.Put(recordKey(owner, p), rec); err != nil {
		return types.Record{}, err
	}
	if err := l.grants.GrantTx(ctx, tx, h, owner); err != nil {
		return types.Record{}, fmt.Errorf("grant owner: %w", err)
	}
	return rec, nil
}

func (l *Ledger) announce(ctx context.Context, rec types.Record) { // A
	if l.events == nil {
		return
	}
	l.events.Submitted(ctx, rec.Owner, rec.Period, rec.Created())
}

func validateBatch( // A
	periods []types.Period,
	inputs []types.EncryptedInput,
) error {
	switch {
	case len(periods) == 0:
		return fmt.Errorf("%w: empty", ErrInvalidBatch)
	case len(periods) != len(inputs):
		return fmt.Errorf(
			"%w: %d periods, %d values",
			ErrInvalidBatch, len(periods), len(inputs),
		)
	case len(periods) > MaxBatchSize:
		return fmt.Errorf(
			"%w: %d items exceeds %d",
			ErrInvalidBatch, len(periods), MaxBatchSize,
		)
	}
	return nil
}

func resultOf(err error) string { // A
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrInvalidProvenance):
		return "provenance"
	case errors.Is(err, ErrInvalidBatch):
		return "invalid"
	default:
		return metrics.ResultError
	}
}
