package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	httpapi "github.com/i5heu/ouroboros-ledger/internal/api"
	"github.com/i5heu/ouroboros-ledger/internal/metrics"
	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/engine"
	"github.com/i5heu/ouroboros-ledger/pkg/events"
	"github.com/i5heu/ouroboros-ledger/pkg/grants"
	"github.com/i5heu/ouroboros-ledger/pkg/ledger"
	"github.com/i5heu/ouroboros-ledger/pkg/trend"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

const allowedHeaders = "Content-Type, Accept, " +
	auth.HeaderSigner + ", " + auth.HeaderTimestamp + ", " +
	auth.HeaderNonce + ", " + auth.HeaderSignature

// maxEvents caps one events response.
const maxEvents = 1000

// Server is the ledger HTTP API.
type Server struct {
	mux      *http.ServeMux
	ledger   *ledger.Ledger
	trend    *trend.Engine
	grants   *grants.Registry
	encrypt  engine.Encryptor
	events   *events.Log
	verifier *auth.RequestVerifier
	relayer  string
	metrics  *metrics.Metrics
	log      *logrus.Logger
}

// Option configures optional Server parts.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option { // HC
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithMetrics counts requests per route.
func WithMetrics(m *metrics.Metrics) Option { // HC
	return func(s *Server) {
		s.metrics = m
	}
}

// WithEvents exposes the notification history.
func WithEvents(log *events.Log) Option { // HC
	return func(s *Server) {
		s.events = log
	}
}

// WithEncryptor exposes engine encryption to clients.
func WithEncryptor(enc engine.Encryptor) Option { // HC
	return func(s *Server) {
		s.encrypt = enc
	}
}

// WithRelayerURL advertises the relayer in Info.
func WithRelayerURL(url string) Option { // HC
	return func(s *Server) {
		s.relayer = url
	}
}

// New creates a Server. The verifier's scope must name
// the ledger's address.
func New( // A
	l *ledger.Ledger,
	tr *trend.Engine,
	reg *grants.Registry,
	verifier *auth.RequestVerifier,
	opts ...Option,
) (*Server, error) {
	if l == nil || tr == nil || reg == nil || verifier == nil {
		return nil, errors.New("api: ledger, trend, grants and verifier are required")
	}
	if verifier.Scope().Ledger != l.Address() {
		return nil, fmt.Errorf(
			"api: verifier scope %s does not match ledger %s",
			verifier.Scope().Ledger, l.Address(),
		)
	}
	s := &Server{
		mux:      http.NewServeMux(),
		ledger:   l,
		trend:    tr,
		grants:   reg,
		verifier: verifier,
		log:      logrus.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s, nil
}

// signedHandler receives the authenticated caller and the
// raw request body.
type signedHandler func(w http.ResponseWriter, r *http.Request, caller types.Principal, body []byte)

func (s *Server) routes() { // AC
	s.handle("GET /v1/info", s.handleInfo)
	s.handle("GET /v1/stats", s.handleStats)
	s.handle("GET /v1/records/{owner}/{period}", s.handleGetRecord)
	s.handle("GET /v1/accounts/{owner}", s.handleAccount)
	s.handle("GET /v1/grants/{handle}/{principal}", s.handleGrant)
	s.handle("GET /v1/events", s.handleEvents)

	s.handleSigned("POST /v1/encrypt", s.handleEncrypt)
	s.handleSigned("POST /v1/records", s.handleSubmit)
	s.handleSigned("POST /v1/records/batch", s.handleSubmitBatch)
	s.handleSigned("POST /v1/trend/compare", s.handleCompare)
	s.handleSigned("POST /v1/trend/range", s.handleCompareRange)
	s.handleSigned("POST /v1/trend/exists", s.handleExistsAny)
	s.handleSigned("POST /v1/trend/sum", s.handleSum)
	s.handleSigned("POST /v1/admin/max-users", s.handleSetMaxUsers)
	s.handleSigned("POST /v1/admin/transfer", s.handleTransferAdmin)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) { // A
	s.mux.HandleFunc(pattern, httpapi.Instrument(s.metrics, pattern, h))
}

func (s *Server) handleSigned(pattern string, h signedHandler) { // A
	s.handle(pattern, func(w http.ResponseWriter, r *http.Request) {
		body, err := httpapi.ReadBody(w, r)
		if err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
			return
		}
		env, err := auth.EnvelopeFromHeader(r.Header)
		if err != nil {
			httpapi.WriteError(w, http.StatusUnauthorized, CodeUnauthenticated, err, s.log)
			return
		}
		caller, err := s.verifier.Verify(env, r.Method, r.URL.Path, body)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"signer": env.Signer.String(),
			}).WithError(err).Warn("authentication failed")
			status, code := statusOf(err)
			httpapi.WriteError(w, status, code, err, s.log)
			return
		}
		h(w, r, caller, body)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	httpapi.CORS(s.mux, allowedHeaders).ServeHTTP(w, r)
}

func (s *Server) fail(w http.ResponseWriter, err error) { // A
	status, code := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	httpapi.WriteError(w, status, code, err, s.log)
}

func (s *Server) ok(w http.ResponseWriter, payload any) { // A
	httpapi.WriteJSON(w, http.StatusOK, payload, s.log)
}

func decode(w http.ResponseWriter, body []byte, v any, log *logrus.Logger) bool { // A
	if err := json.Unmarshal(body, v); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, log)
		return false
	}
	return true
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) { // A
	scope := s.verifier.Scope()
	s.ok(w, Info{
		Ledger:   scope.Ledger,
		ChainID:  scope.ChainID,
		Relayer:  s.relayer,
		MaxBatch: ledger.MaxBatchSize,
		MaxRange: trend.MaxRange,
		Period:   s.ledger.CurrentPeriod(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) { // A
	counter, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, counter)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) { // A
	owner, err := types.ParsePrincipal(r.PathValue("owner"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
		return
	}
	p, err := types.ParsePeriod(r.PathValue("period"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
		return
	}
	rec, exists, err := s.ledger.Record(r.Context(), owner, p)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, RecordResponse{Record: rec, Exists: exists})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) { // A
	owner, err := types.ParsePrincipal(r.PathValue("owner"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
		return
	}
	acct, err := s.ledger.Account(r.Context(), owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, acct)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) { // A
	h, err := types.ParseHandle(r.PathValue("handle"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
		return
	}
	p, err := types.ParsePrincipal(r.PathValue("principal"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
		return
	}
	granted, err := s.grants.HasGrant(r.Context(), h, p)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, GrantResponse{Granted: granted})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) { // A
	if s.events == nil {
		s.ok(w, []events.Event{})
		return
	}
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, CodeBadRequest, err, s.log)
			return
		}
		since = n
	}
	out := s.events.Since(since)
	if len(out) > maxEvents {
		out = out[:maxEvents]
	}
	if out == nil {
		out = []events.Event{}
	}
	s.ok(w, out)
}

func (s *Server) handleEncrypt( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	if s.encrypt == nil {
		httpapi.WriteError(w, http.StatusNotImplemented, CodeBadRequest,
			errors.New("encryption is not offered by this server"), s.log)
		return
	}
	var req EncryptRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	in, err := s.encrypt.Encrypt(r.Context(), s.ledger.Address(), caller, req.Value)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, in)
}

func (s *Server) handleSubmit( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	var req SubmitRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	rec, err := s.ledger.Submit(r.Context(), caller, req.Period, req.Input)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, rec)
}

func (s *Server) handleSubmitBatch( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	var req SubmitBatchRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	recs, err := s.ledger.SubmitBatch(r.Context(), caller, req.Periods, req.Inputs)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, recs)
}

func (s *Server) handleCompare( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	var req CompareRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	h, err := s.trend.Compare(r.Context(), caller, req.PeriodA, req.PeriodB)
	s.handleResult(w, h, err)
}

func (s *Server) handleCompareRange( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	var req RangeRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	h, err := s.trend.CompareRange(r.Context(), caller, req.Start, req.End)
	s.handleResult(w, h, err)
}

func (s *Server) handleExistsAny( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	var req ExistsRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	h, err := s.trend.ExistsAny(r.Context(), caller, req.Periods)
	s.handleResult(w, h, err)
}

func (s *Server) handleSum( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	var req RangeRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	agg, err := s.trend.Sum(r.Context(), caller, req.Start, req.End)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, agg)
}

func (s *Server) handleResult(w http.ResponseWriter, h types.Handle, err error) { // A
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, HandleResponse{Handle: h})
}

func (s *Server) handleSetMaxUsers( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	var req MaxUsersRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	if err := s.ledger.SetMaxUsers(r.Context(), caller, req.MaxUsers); err != nil {
		s.fail(w, err)
		return
	}
	s.handleStats(w, r)
}

func (s *Server) handleTransferAdmin( // A
	w http.ResponseWriter,
	r *http.Request,
	caller types.Principal,
	body []byte,
) {
	var req TransferAdminRequest
	if !decode(w, body, &req, s.log) {
		return
	}
	if err := s.ledger.TransferAdmin(r.Context(), caller, req.Admin); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusOf(err error) (int, string) { // A
	switch {
	case errors.Is(err, auth.ErrStaleRequest):
		return http.StatusUnauthorized, CodeStaleRequest
	case errors.Is(err, auth.ErrReplayedRequest):
		return http.StatusUnauthorized, CodeReplayedRequest
	case errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrSignerMismatch),
		errors.Is(err, auth.ErrMissingEnvelope):
		return http.StatusUnauthorized, CodeUnauthenticated
	case errors.Is(err, ledger.ErrCapacityExceeded):
		return http.StatusConflict, CodeCapacityExceeded
	case errors.Is(err, ledger.ErrInvalidBatch):
		return http.StatusBadRequest, CodeInvalidBatch
	case errors.Is(err, trend.ErrInvalidRange):
		return http.StatusBadRequest, CodeInvalidRange
	case errors.Is(err, trend.ErrRangeTooLarge):
		return http.StatusBadRequest, CodeRangeTooLarge
	case errors.Is(err, ledger.ErrInvalidProvenance):
		return http.StatusUnprocessableEntity, CodeInvalidProvenance
	case errors.Is(err, ledger.ErrNotAdmin):
		return http.StatusForbidden, CodeNotAdmin
	case errors.Is(err, ledger.ErrInvalidCapacity):
		return http.StatusBadRequest, CodeInvalidCapacity
	case errors.Is(err, ledger.ErrInvalidAdmin):
		return http.StatusBadRequest, CodeInvalidAdmin
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, CodeInternal
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// sentinels maps wire codes back to package errors.
var sentinels = map[string]error{
	CodeStaleRequest:      auth.ErrStaleRequest,
	CodeReplayedRequest:   auth.ErrReplayedRequest,
	CodeUnauthenticated:   auth.ErrSignerMismatch,
	CodeCapacityExceeded:  ledger.ErrCapacityExceeded,
	CodeInvalidBatch:      ledger.ErrInvalidBatch,
	CodeInvalidRange:      trend.ErrInvalidRange,
	CodeRangeTooLarge:     trend.ErrRangeTooLarge,
	CodeInvalidProvenance: ledger.ErrInvalidProvenance,
	CodeNotAdmin:          ledger.ErrNotAdmin,
	CodeInvalidCapacity:   ledger.ErrInvalidCapacity,
	CodeInvalidAdmin:      ledger.ErrInvalidAdmin,
}

func errorOf(body httpapi.ErrorBody) error { // A
	if sentinel, ok := sentinels[body.Code]; ok {
		return fmt.Errorf("%w: %s", sentinel, body.Message)
	}
	return fmt.Errorf("api: %w", body)
}
