// Package grants is the access-grant registry. A grant
// (handle, principal) lets the principal request
// disclosure of the handle's plaintext. Grants are only
// ever added.
package grants

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/internal/metrics"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/engine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

var grantPrefix = []byte("grant/")

// Config configures a Registry.
type Config struct { // A
	Store   *keyValStore.KeyValStore
	ACL     engine.ACL
	Clock   auth.Clock
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Registry records grants in the store and mirrors every
// new grant into the engine ACL.
type Registry struct { // A
	store   *keyValStore.KeyValStore
	acl     engine.ACL
	clock   auth.Clock
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// entry is the stored grant value.
type entry struct { // A
	GrantedAt int64 `cbor:"1,keyasint"`
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) { // A
	if cfg.Store == nil || cfg.ACL == nil {
		return nil, errors.New("grants: store and ACL are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Registry{
		store:   cfg.Store,
		acl:     cfg.ACL,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}, nil
}

// Grant lets p disclose h. Granting an existing pair is a
// no-op.
func (r *Registry) Grant( // A
	ctx context.Context,
	h types.Handle,
	p types.Principal,
) error {
	if err := r.acl.Allow(ctx, h, p); err != nil {
		return err
	}
	return r.store.Update(ctx, func(tx *keyValStore.Txn) error {
		return r.record(tx, h, p)
	})
}

// GrantTx is Grant inside the caller's transaction, so the
// grant commits together with the caller's writes. The
// engine ACL is updated immediately.
func (r *Registry) GrantTx( // A
	ctx context.Context,
	tx *keyValStore.Txn,
	h types.Handle,
	p types.Principal,
) error {
	if err := r.acl.Allow(ctx, h, p); err != nil {
		return err
	}
	return r.record(tx, h, p)
}

// HasGrant reports whether p holds a grant on h.
func (r *Registry) HasGrant( // A
	ctx context.Context,
	h types.Handle,
	p types.Principal,
) (bool, error) {
	var ok bool
	err := r.store.View(ctx, func(tx *keyValStore.Txn) error {
		var err error
		ok, err = tx.Has(grantKey(h, p))
		return err
	})
	return ok, err
}

// Grantees lists every principal holding a grant on h.
func (r *Registry) Grantees( // A
	ctx context.Context,
	h types.Handle,
) ([]types.Principal, error) {
	prefix := handlePrefix(h)
	var out []types.Principal
	err := r.store.View(ctx, func(tx *keyValStore.Txn) error {
		tx.ScanPrefix(prefix, func(key []byte) bool {
			var p types.Principal
			copy(p[:], key[len(prefix):])
			out = append(out, p)
			return true
		})
		return nil
	})
	return out, err
}

func (r *Registry) record( // A
	tx *keyValStore.Txn,
	h types.Handle,
	p types.Principal,
) error {
	key := grantKey(h, p)
	exists, err := tx.Has(key)
	if err != nil || exists {
		return err
	}
	if err := tx.Put(key, entry{GrantedAt: r.clock.Now().Unix()}); err != nil {
		return err
	}
	r.metrics.Grant()
	r.log.WithFields(logrus.Fields{
		"handle":  h.Tag(),
		"grantee": p.String(),
	}).Debug("grant recorded")
	return nil
}

func handlePrefix(h types.Handle) []byte { // A
	k := make([]byte, 0, len(grantPrefix)+types.HandleSize)
	k = append(k, grantPrefix...)
	return append(k, h[:]...)
}

func grantKey(h types.Handle, p types.Principal) []byte { // A
	return append(handlePrefix(h), p[:]...)
}
