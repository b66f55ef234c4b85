// Package trend derives encrypted comparisons and
// aggregates from ledger records. Every derived handle is
// granted to the requesting owner before it is returned.
//
// Missing records are read as the engine's encrypted zero.
// Compare therefore reports "not decreased" when the
// earlier period is missing, and "decreased" when only the
// later period is missing and the earlier value is above
// zero. Callers that need to tell these cases apart must
// check Exists first.
package trend

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/internal/metrics"
	"github.com/i5heu/ouroboros-ledger/pkg/engine"
	"github.com/i5heu/ouroboros-ledger/pkg/events"
	"github.com/i5heu/ouroboros-ledger/pkg/grants"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// MaxRange is the widest span CompareRange, ExistsAny and
// Sum accept.
const MaxRange = 90

// Operation names used in events and metrics.
const (
	OpCompare      = "compare"
	OpCompareRange = "compare_range"
	OpExistsAny    = "exists_any"
	OpSum          = "sum"
)

var (
	// ErrInvalidRange is returned for an empty or reversed
	// range.
	ErrInvalidRange = errors.New("trend: invalid range")

	// ErrRangeTooLarge is returned for ranges above
	// MaxRange.
	ErrRangeTooLarge = errors.New("trend: range too large")
)

// Records is the part of the ledger the engine reads.
type Records interface { // A
	Snapshot(
		ctx context.Context,
		owner types.Principal,
		periods []types.Period,
	) ([]types.Record, error)
	AnyExists(
		ctx context.Context,
		owner types.Principal,
		periods []types.Period,
	) (bool, error)
}

// Config configures an Engine.
type Config struct { // A
	Records   Records
	Evaluator engine.Evaluator
	Grants    *grants.Registry
	Events    *events.Log
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Engine computes derived handles.
type Engine struct { // A
	records Records
	eval    engine.Evaluator
	grants  *grants.Registry
	events  *events.Log
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// Aggregate is the result of Sum. Count is public: it only
// reveals how many periods hold a record.
type Aggregate struct { // A
	Total types.Handle `json:"total"`
	Count int          `json:"count"`
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) { // A
	if cfg.Records == nil || cfg.Evaluator == nil || cfg.Grants == nil {
		return nil, errors.New(
			"trend: records, evaluator and grants are required",
		)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Engine{
		records: cfg.Records,
		eval:    cfg.Evaluator,
		grants:  cfg.Grants,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}, nil
}

// Compare returns an encrypted bool that is true when the
// value at periodB is lower than the value at periodA.
func (e *Engine) Compare( // A
	ctx context.Context,
	owner types.Principal,
	periodA types.Period,
	periodB types.Period,
) (types.Handle, error) {
	h, err := e.compare(ctx, owner, periodA, periodB)
	return e.finish(ctx, OpCompare, owner, periodB, h, err)
}

// CompareRange is Compare restricted to end > start and
// end-start <= MaxRange.
func (e *Engine) CompareRange( // A
	ctx context.Context,
	owner types.Principal,
	start types.Period,
	end types.Period,
) (types.Handle, error) {
	if err := checkRange(start, end); err != nil {
		e.metrics.Derivation(OpCompareRange, "invalid")
		return types.Handle{}, err
	}
	h, err := e.compare(ctx, owner, start, end)
	return e.finish(ctx, OpCompareRange, owner, end, h, err)
}

// ExistsAny returns an encrypted bool telling whether any
// of periods holds a record. Existence is public, so the
// OR is evaluated in plaintext and then encrypted.
func (e *Engine) ExistsAny( // A
	ctx context.Context,
	owner types.Principal,
	periods []types.Period,
) (types.Handle, error) {
	switch {
	case len(periods) == 0:
		e.metrics.Derivation(OpExistsAny, "invalid")
		return types.Handle{}, fmt.Errorf("%w: no periods", ErrInvalidRange)
	case len(periods) > MaxRange:
		e.metrics.Derivation(OpExistsAny, "invalid")
		return types.Handle{}, fmt.Errorf(
			"%w: %d periods", ErrRangeTooLarge, len(periods),
		)
	}

	found, err := e.records.AnyExists(ctx, owner, periods)
	var h types.Handle
	if err == nil {
		h, err = e.eval.EncryptBool(ctx, found)
	}
	return e.finish(ctx, OpExistsAny, owner, maxPeriod(periods), h, err)
}

// Sum adds every record in [start, end]. Missing periods
// contribute nothing and are not counted.
func (e *Engine) Sum( // A
	ctx context.Context,
	owner types.Principal,
	start types.Period,
	end types.Period,
) (Aggregate, error) {
	if end < start {
		e.metrics.Derivation(OpSum, "invalid")
		return Aggregate{}, fmt.Errorf(
			"%w: end %d before start %d", ErrInvalidRange, end, start,
		)
	}
	if end-start > MaxRange {
		e.metrics.Derivation(OpSum, "invalid")
		return Aggregate{}, fmt.Errorf(
			"%w: %d periods", ErrRangeTooLarge, end-start+1,
		)
	}

	periods := make([]types.Period, 0, end-start+1)
	for i := types.Period(0); i <= end-start; i++ {
		periods = append(periods, start+i)
	}
	recs, err := e.records.Snapshot(ctx, owner, periods)
	if err != nil {
		_, err = e.finish(ctx, OpSum, owner, end, types.Handle{}, err)
		return Aggregate{}, err
	}

	var (
		total types.Handle
		count int
	)
	for _, rec := range recs {
		if !rec.Exists() {
			continue
		}
		total, err = e.eval.Add(ctx, total, rec.Value)
		if err != nil {
			break
		}
		count++
	}
	if err == nil && count == 0 {
		total, err = e.eval.Add(ctx, types.Handle{}, types.Handle{})
	}
	total, err = e.finish(ctx, OpSum, owner, end, total, err)
	if err != nil {
		return Aggregate{}, err
	}
	return Aggregate{Total: total, Count: count}, nil
}

// compare reads both records from one snapshot and asks
// the evaluator for value(b) < value(a).
func (e *Engine) compare( // A
	ctx context.Context,
	owner types.Principal,
	a types.Period,
	b types.Period,
) (types.Handle, error) {
	recs, err := e.records.Snapshot(ctx, owner, []types.Period{a, b})
	if err != nil {
		return types.Handle{}, err
	}
	return e.eval.Lt(ctx, recs[1].Value, recs[0].Value)
}

// finish grants a derived handle to the owner and emits
// the notification.
func (e *Engine) finish( // A
	ctx context.Context,
	op string,
	owner types.Principal,
	p types.Period,
	h types.Handle,
	err error,
) (types.Handle, error) {
	if err == nil {
		err = e.grants.Grant(ctx, h, owner)
	}
	if err != nil {
		e.metrics.Derivation(op, metrics.ResultError)
		e.log.WithError(err).WithField("op", op).Warn("derivation failed")
		return types.Handle{}, fmt.Errorf("%s: %w", op, err)
	}

	e.metrics.Derivation(op, metrics.ResultOK)
	if e.events != nil {
		e.events.TrendComputed(ctx, owner, p, h, op)
	}
	return h, nil
}

func checkRange(start, end types.Period) error { // A
	if end <= start {
		return fmt.Errorf(
			"%w: end %d not after start %d", ErrInvalidRange, end, start,
		)
	}
	if end-start > MaxRange {
		return fmt.Errorf(
			"%w: span %d exceeds %d", ErrRangeTooLarge, end-start, MaxRange,
		)
	}
	return nil
}

func maxPeriod(periods []types.Period) types.Period { // A
	var m types.Period
	for _, p := range periods {
		if p > m {
			m = p
		}
	}
	return m
}
