package disclosure

import (
	"context"
	"errors"

	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Signer produces authorization signatures for one
// principal. Signing is user mediated and may block until
// the user answers; a refusal returns
// ErrDisclosureCancelled.
type Signer interface {
	Address() types.Principal
	SignAuthorization(ctx context.Context, stmt Statement) ([]byte, error)
}

// Approver asks the user whether a statement may be
// signed.
type Approver interface {
	Approve(ctx context.Context, stmt Statement) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, stmt Statement) (bool, error)

// Approve calls f.
func (f ApproverFunc) Approve( // A
	ctx context.Context,
	stmt Statement,
) (bool, error) {
	return f(ctx, stmt)
}

// AutoApprove approves every statement.
var AutoApprove Approver = ApproverFunc(
	func(context.Context, Statement) (bool, error) { return true, nil },
)

// KeySigner signs with a local identity after approval.
type KeySigner struct { // A
	id       *auth.Identity
	approver Approver
}

// NewKeySigner creates a KeySigner. A nil approver means
// AutoApprove.
func NewKeySigner( // A
	id *auth.Identity,
	approver Approver,
) *KeySigner {
	if approver == nil {
		approver = AutoApprove
	}
	return &KeySigner{id: id, approver: approver}
}

// Address returns the signing principal.
func (s *KeySigner) Address() types.Principal { // A
	return s.id.Address()
}

// SignAuthorization asks the approver and signs the
// statement digest.
func (s *KeySigner) SignAuthorization( // A
	ctx context.Context,
	stmt Statement,
) ([]byte, error) {
	if stmt.Signer != s.id.Address() {
		return nil, errors.New("statement names another signer")
	}
	ok, err := s.approver.Approve(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDisclosureCancelled
	}
	return s.id.SignDigest(stmt.Digest()), nil
}
