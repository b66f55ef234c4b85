package ledger

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Admin returns the current admin principal.
func (l *Ledger) Admin( // A
	ctx context.Context,
) (types.Principal, error) {
	var admin types.Principal
	err := l.store.View(ctx, func(tx *keyValStore.Txn) error {
		_, err := tx.Get(adminKey, &admin)
		return err
	})
	return admin, err
}

// SetMaxUsers changes the population cap. Only the admin
// may call it, and the cap cannot drop below the current
// population.
func (l *Ledger) SetMaxUsers( // A
	ctx context.Context,
	caller types.Principal,
	n uint64,
) error {
	err := l.update(ctx, func(tx *keyValStore.Txn) error {
		if err := requireAdmin(tx, caller); err != nil {
			return err
		}
		var counter types.SystemCounter
		if _, err := tx.Get(populationKey, &counter); err != nil {
			return err
		}
		if n == 0 || n < counter.TotalUsers {
			return fmt.Errorf(
				"%w: %d below population %d",
				ErrInvalidCapacity, n, counter.TotalUsers,
			)
		}
		counter.MaxUsers = n
		return tx.Put(populationKey, counter)
	})
	if err != nil {
		return err
	}
	l.adminChanged(ctx, caller, "set_max_users")
	return nil
}

// TransferAdmin hands the admin role to next.
func (l *Ledger) TransferAdmin( // A
	ctx context.Context,
	caller types.Principal,
	next types.Principal,
) error {
	if next.IsZero() {
		return ErrInvalidAdmin
	}
	err := l.update(ctx, func(tx *keyValStore.Txn) error {
		if err := requireAdmin(tx, caller); err != nil {
			return err
		}
		return tx.Put(adminKey, next)
	})
	if err != nil {
		return err
	}
	l.adminChanged(ctx, caller, "transfer_admin")
	return nil
}

// requireAdmin fails unless caller is the stored admin. A
// ledger created without an admin rejects everyone.
func requireAdmin( // A
	tx *keyValStore.Txn,
	caller types.Principal,
) error {
	var admin types.Principal
	if _, err := tx.Get(adminKey, &admin); err != nil {
		return err
	}
	if admin.IsZero() || admin != caller {
		return ErrNotAdmin
	}
	return nil
}

func (l *Ledger) adminChanged( // A
	ctx context.Context,
	caller types.Principal,
	op string,
) {
	l.log.WithFields(logrus.Fields{
		logKeyCaller: caller.String(),
		"op":         op,
	}).Info("admin operation")
	if l.events != nil {
		l.events.AdminChanged(ctx, caller, op)
	}
}
