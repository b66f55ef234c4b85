// Package relayer is the decryption relayer: it takes a
// handle and a signed disclosure authorization, checks the
// signature, the ledger and chain binding, the validity
// window and the engine's own ACL, and only then decrypts.
package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	httpapi "github.com/i5heu/ouroboros-ledger/internal/api"
	"github.com/i5heu/ouroboros-ledger/internal/metrics"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/disclosure"
	"github.com/i5heu/ouroboros-ledger/pkg/engine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Wire error codes.
const (
	CodeBadRequest           = "bad_request"
	CodeAuthorizationExpired = "authorization_expired"
	CodeSignatureRejected    = "signature_rejected"
	CodeUnauthorized         = "unauthorized"
	CodeMalformedHandle      = "malformed_handle"
	CodeInternal             = "internal"
)

// DecryptPath is the route of the decrypt endpoint.
const DecryptPath = "/v1/decrypt"

// Backend is the engine surface the relayer needs.
type Backend interface {
	engine.ACL
	engine.Decrypter
}

// Config configures a Server.
type Config struct { // A
	Backend Backend
	// Scope is the ledger and chain the relayer serves.
	Scope   auth.Scope
	Clock   auth.Clock
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Server verifies authorizations and decrypts. It
// implements disclosure.Relayer for in-process use and
// http.Handler for remote clients.
type Server struct {
	mux     *http.ServeMux
	backend Backend
	scope   auth.Scope
	clock   auth.Clock
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// DecryptResponse is the success body of DecryptPath.
type DecryptResponse struct {
	Plaintext types.Plaintext `json:"plaintext"`
}

// New creates a Server.
func New(cfg Config) (*Server, error) { // A
	if cfg.Backend == nil {
		return nil, errors.New("relayer: backend is required")
	}
	if cfg.Scope.Ledger.IsZero() {
		return nil, errors.New("relayer: ledger address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		backend: cfg.Backend,
		scope:   cfg.Scope,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() { // AC
	s.mux.HandleFunc(
		"POST "+DecryptPath,
		httpapi.Instrument(s.metrics, DecryptPath, s.handleDecrypt),
	)
	s.mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.log)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	httpapi.CORS(s.mux, "Content-Type, Accept").ServeHTTP(w, r)
}

// Decrypt runs every check and returns the plaintext.
func (s *Server) Decrypt( // A
	ctx context.Context,
	req disclosure.Request,
) (types.Plaintext, error) {
	pt, err := s.decrypt(ctx, req)
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		s.log.WithFields(logrus.Fields{
			"handle": req.Handle.Tag(),
			"signer": req.Authorization.Statement.Signer.String(),
		}).WithError(err).Info("Decryption refused")
	}
	s.metrics.Decryption(result)
	return pt, err
}

func (s *Server) decrypt( // A
	ctx context.Context,
	req disclosure.Request,
) (types.Plaintext, error) {
	if req.Handle.IsZero() {
		return types.Plaintext{}, disclosure.ErrMalformedHandle
	}

	stmt := req.Authorization.Statement
	if err := stmt.Validate(s.clock.Now()); err != nil {
		if errors.Is(err, disclosure.ErrAuthorizationExpired) {
			return types.Plaintext{}, err
		}
		return types.Plaintext{}, fmt.Errorf(
			"%w: %w", disclosure.ErrSignatureRejected, err,
		)
	}
	if stmt.Ledger != s.scope.Ledger || stmt.ChainID != s.scope.ChainID {
		return types.Plaintext{}, fmt.Errorf(
			"%w: bound to ledger %s on chain %d",
			disclosure.ErrSignatureRejected, stmt.Ledger, stmt.ChainID,
		)
	}
	if err := req.Authorization.Verify(); err != nil {
		return types.Plaintext{}, err
	}

	allowed, err := s.backend.IsAllowed(ctx, req.Handle, stmt.Signer)
	if err != nil {
		return types.Plaintext{}, fmt.Errorf("check engine ACL: %w", err)
	}
	if !allowed {
		return types.Plaintext{}, disclosure.ErrUnauthorized
	}

	pt, err := s.backend.Decrypt(ctx, req.Handle)
	if errors.Is(err, engine.ErrUnknownHandle) {
		return types.Plaintext{}, fmt.Errorf(
			"%w: %w", disclosure.ErrMalformedHandle, err,
		)
	}
	return pt, err
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) { // A
	body, err := httpapi.ReadBody(w, r)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
		return
	}
	var req disclosure.Request
	if err := json.Unmarshal(body, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
		return
	}

	pt, err := s.Decrypt(r.Context(), req)
	if err != nil {
		status, code := statusOf(err)
		httpapi.WriteError(w, status, code, err, s.log)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, DecryptResponse{Plaintext: pt}, s.log)
}

func statusOf(err error) (int, string) { // A
	switch {
	case errors.Is(err, disclosure.ErrAuthorizationExpired):
		return http.StatusUnauthorized, CodeAuthorizationExpired
	case errors.Is(err, disclosure.ErrSignatureRejected):
		return http.StatusForbidden, CodeSignatureRejected
	case errors.Is(err, disclosure.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, disclosure.ErrMalformedHandle):
		return http.StatusBadRequest, CodeMalformedHandle
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func errorOf(body httpapi.ErrorBody) error { // A
	var sentinel error
	switch body.Code {
	case CodeAuthorizationExpired:
		sentinel = disclosure.ErrAuthorizationExpired
	case CodeSignatureRejected:
		sentinel = disclosure.ErrSignatureRejected
	case CodeUnauthorized:
		sentinel = disclosure.ErrUnauthorized
	case CodeMalformedHandle:
		sentinel = disclosure.ErrMalformedHandle
	default:
		return fmt.Errorf("relayer: %w", body)
	}
	return fmt.Errorf("%w: %s", sentinel, body.Message)
}
