// Package api holds the HTTP plumbing shared by the ledger
// API and the decryption relayer: listener config, JSON
// bodies, error envelopes, CORS and request metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-ledger/internal/metrics"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

// Config holds configuration for an HTTP listener.
type Config struct {
	// Addr is the host:port to listen on.
	Addr string `yaml:"addr"`

	// EnableTLS enables TLS for the listener.
	EnableTLS bool `yaml:"enableTLS"`

	// CertFile is the path to the TLS certificate file.
	CertFile string `yaml:"certFile"`

	// KeyFile is the path to the TLS key file.
	KeyFile string `yaml:"keyFile"`
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Code    string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Error implements error so clients can return the body.
func (e ErrorBody) Error() string { // A
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Serve runs h on cfg until ctx is done, then shuts the
// server down gracefully.
func Serve( // A
	ctx context.Context,
	cfg Config,
	h http.Handler,
	log *logrus.Logger,
) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.EnableTLS {
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	log.WithFields(logrus.Fields{
		"addr": cfg.Addr,
		"tls":  cfg.EnableTLS,
	}).Info("HTTP listener started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", cfg.Addr, err)
	}
	return <-errCh
}

// WriteJSON writes payload with status.
func WriteJSON( // A
	w http.ResponseWriter,
	status int,
	payload any,
	log *logrus.Logger,
) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && log != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

// WriteError writes an ErrorBody.
func WriteError( // A
	w http.ResponseWriter,
	status int,
	code string,
	err error,
	log *logrus.Logger,
) {
	body := ErrorBody{Code: code}
	if err != nil {
		body.Message = err.Error()
	}
	WriteJSON(w, status, body, log)
}

// ReadBody reads at most MaxBodyBytes of the request body.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) { // A
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// DecodeError reads the ErrorBody of a failed response.
// Bodies that are not an ErrorBody yield the status text.
func DecodeError(resp *http.Response) ErrorBody { // A
	var body ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return ErrorBody{
			Code:    "http_" + strconv.Itoa(resp.StatusCode),
			Message: http.StatusText(resp.StatusCode),
		}
	}
	return body
}

// CORS answers preflight requests and sets the allow
// headers on every response.
func CORS(next http.Handler, allowedHeaders string) http.Handler { // A
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		} else {
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) { // A
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument counts requests to route by status code.
func Instrument( // A
	m *metrics.Metrics,
	route string,
	h http.HandlerFunc,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		m.HTTPRequest(route, strconv.Itoa(rec.status))
	}
}
