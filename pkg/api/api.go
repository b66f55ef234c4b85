// Package api serves the ledger, the grant registry and
// the trend engine over HTTP, and provides the matching
// client. Mutating and derived-value requests carry a
// signed request envelope that names the calling
// principal.
package api

import (
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Wire error codes.
const (
	CodeBadRequest        = "bad_request"
	CodeUnauthenticated   = "unauthenticated"
	CodeStaleRequest      = "stale_request"
	CodeReplayedRequest   = "replayed_request"
	CodeCapacityExceeded  = "capacity_exceeded"
	CodeInvalidBatch      = "invalid_batch"
	CodeInvalidRange      = "invalid_range"
	CodeRangeTooLarge     = "range_too_large"
	CodeInvalidProvenance = "invalid_provenance"
	CodeNotAdmin          = "not_admin"
	CodeInvalidCapacity   = "invalid_capacity"
	CodeInvalidAdmin      = "invalid_admin"
	CodeInternal          = "internal"
)

// Info describes the ledger a server fronts.
type Info struct {
	Ledger   types.Principal `json:"ledger"`
	ChainID  uint64          `json:"chainId"`
	Relayer  string          `json:"relayer,omitempty"`
	MaxBatch int             `json:"maxBatch"`
	MaxRange uint64          `json:"maxRange"`
	Period   types.Period    `json:"period"`
}

// EncryptRequest asks the engine for a handle of Value
// bound to the caller.
type EncryptRequest struct {
	Value uint64 `json:"value"`
}

// SubmitRequest stores Input for the caller at Period.
type SubmitRequest struct {
	Period types.Period         `json:"period"`
	Input  types.EncryptedInput `json:"input"`
}

// SubmitBatchRequest stores several inputs at once.
type SubmitBatchRequest struct {
	Periods []types.Period         `json:"periods"`
	Inputs  []types.EncryptedInput `json:"inputs"`
}

// RecordResponse is a single record lookup.
type RecordResponse struct {
	Record types.Record `json:"record"`
	Exists bool         `json:"exists"`
}

// CompareRequest compares the caller's values at PeriodA
// and PeriodB.
type CompareRequest struct {
	PeriodA types.Period `json:"periodA"`
	PeriodB types.Period `json:"periodB"`
}

// RangeRequest names a closed period range.
type RangeRequest struct {
	Start types.Period `json:"start"`
	End   types.Period `json:"end"`
}

// ExistsRequest lists periods for ExistsAny.
type ExistsRequest struct {
	Periods []types.Period `json:"periods"`
}

// HandleResponse carries a derived handle.
type HandleResponse struct {
	Handle types.Handle `json:"handle"`
}

// GrantResponse answers a grant lookup.
type GrantResponse struct {
	Granted bool `json:"granted"`
}

// MaxUsersRequest changes the population cap.
type MaxUsersRequest struct {
	MaxUsers uint64 `json:"maxUsers"`
}

// TransferAdminRequest hands over the admin role.
type TransferAdminRequest struct {
	Admin types.Principal `json:"admin"`
}
