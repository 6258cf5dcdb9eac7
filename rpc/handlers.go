package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamchain/crypto"
	"streamchain/native/stream"
	"streamchain/observability/logging"
	telemetry "streamchain/observability/otel"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// streamOp runs one engine mutation for an authenticated caller.
type streamOp func(id [32]byte, caller [20]byte, body []byte) (*stream.Stream, error)

// readBody buffers the request body for signature verification, rejecting
// bodies larger than MaxBodyForSignature.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// authenticate resolves the caller. Signed requests are always accepted;
// keeper bearer tokens only where allowKeeper is set.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, allowKeeper bool) ([]byte, [20]byte, bool) {
	var caller [20]byte
	body, err := readBody(r)
	if err != nil {
		badRequest(w, "read body: %v", err)
		return nil, caller, false
	}
	switch {
	case r.Header.Get(HeaderSignature) != "":
		caller, err = s.signatures.Authenticate(r, body)
	case allowKeeper && r.Header.Get("Authorization") != "":
		caller, err = s.keeper.Authenticate(r)
	default:
		err = errNoCredentials
	}
	if err != nil {
		if errors.Is(err, errUnauthenticated) || errors.Is(err, errNoCredentials) {
			s.api.RecordThrottle("auth")
			s.logger.Warn("rejected credentials",
				slog.String("route", r.URL.Path),
				logging.MaskField("signature", r.Header.Get(HeaderSignature)),
				logging.MaskField("nonce", r.Header.Get(HeaderNonce)),
				slog.String("authorization", logging.MaskToken(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))),
				slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return nil, caller, false
		}
		s.logger.Error("authentication backend failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return nil, caller, false
	}
	return body, caller, true
}

func decodeBody(body []byte, out interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}
	var req CreateStreamRequest
	if err := decodeBody(body, &req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	payee, err := crypto.ParseAddress(req.Payee)
	if err != nil {
		badRequest(w, "invalid payee: %v", err)
		return
	}
	_, span := telemetry.StartStreamOp(r.Context(), "rpc", "create", "")
	st, err := s.engine.Create(caller, payee, req.RatePerSecond, req.MaxDuration, req.GracePeriod, req.AutoTerminate)
	telemetry.EndStreamOp(span, outcomeOf(err), err)
	s.respond(w, "create", http.StatusCreated, st, err)
}

func (s *Server) mutate(op string, fn streamOp) http.HandlerFunc {
	allowKeeper := op == "tick"
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := ParseID(chi.URLParam(r, "id"))
		if err != nil {
			badRequest(w, "%v", err)
			return
		}
		body, caller, ok := s.authenticate(w, r, allowKeeper)
		if !ok {
			return
		}
		_, span := telemetry.StartStreamOp(r.Context(), "rpc", op, FormatID(id))
		st, err := fn(id, caller, body)
		telemetry.EndStreamOp(span, outcomeOf(err), err)
		var decodeErr *bodyError
		if errors.As(err, &decodeErr) {
			badRequest(w, "invalid body: %v", decodeErr.err)
			return
		}
		s.respond(w, op, http.StatusOK, st, err)
	}
}

// outcomeOf labels an engine result for metrics and spans.
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var decodeErr *bodyError
	if errors.As(err, &decodeErr) {
		return stream.KindValidation.String()
	}
	return stream.KindOf(err).String()
}

type bodyError struct{ err error }

func (e *bodyError) Error() string { return e.err.Error() }

func (s *Server) opStart(id [32]byte, caller [20]byte, _ []byte) (*stream.Stream, error) {
	return s.engine.Start(id, caller)
}

func (s *Server) opTick(id [32]byte, caller [20]byte, _ []byte) (*stream.Stream, error) {
	return s.engine.Tick(id, caller)
}

func (s *Server) opPause(id [32]byte, caller [20]byte, _ []byte) (*stream.Stream, error) {
	return s.engine.Pause(id, caller)
}

func (s *Server) opResume(id [32]byte, caller [20]byte, _ []byte) (*stream.Stream, error) {
	return s.engine.Resume(id, caller)
}

func (s *Server) opCancel(id [32]byte, caller [20]byte, _ []byte) (*stream.Stream, error) {
	return s.engine.Cancel(id, caller)
}

func (s *Server) opDispute(id [32]byte, caller [20]byte, _ []byte) (*stream.Stream, error) {
	return s.engine.Dispute(id, caller)
}

func (s *Server) opTerminate(id [32]byte, caller [20]byte, body []byte) (*stream.Stream, error) {
	var req TerminateRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, &bodyError{err}
	}
	return s.engine.Terminate(id, caller, req.Reason)
}

func (s *Server) opTopUp(id [32]byte, caller [20]byte, body []byte) (*stream.Stream, error) {
	var req TopUpRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, &bodyError{err}
	}
	return s.engine.TopUp(id, caller, req.Amount)
}

func (s *Server) opLinkTask(id [32]byte, caller [20]byte, body []byte) (*stream.Stream, error) {
	var req LinkTaskRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, &bodyError{err}
	}
	taskID, err := ParseID(req.TaskID)
	if err != nil {
		return nil, &bodyError{err}
	}
	return s.engine.LinkTask(id, caller, taskID)
}

func (s *Server) opResolve(id [32]byte, caller [20]byte, body []byte) (*stream.Stream, error) {
	var req ResolveDisputeRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, &bodyError{err}
	}
	return s.engine.ResolveDispute(id, caller, req.Outcome)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	st, err := s.engine.Get(id)
	if err != nil {
		code, label := statusFor(err)
		writeError(w, code, label, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewStreamView(st))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if status := strings.TrimSpace(query.Get("status")); status != "" && status != stream.StreamActive.String() {
		badRequest(w, "only status=%s listings are indexed", stream.StreamActive)
		return
	}
	limit := defaultListLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(w, "invalid limit %q", raw)
			return
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var after [32]byte
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		cursor, err := ParseID(raw)
		if err != nil {
			badRequest(w, "invalid cursor %q", raw)
			return
		}
		after = cursor
	}
	streams, err := s.engine.ActiveStreams(after, limit)
	if err != nil {
		s.logger.Error("list active streams", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	resp := StreamListResponse{Streams: make([]StreamView, 0, len(streams))}
	for _, st := range streams {
		resp.Streams = append(resp.Streams, NewStreamView(st))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		badRequest(w, "invalid address: %v", err)
		return
	}
	acc, err := s.accounts.Account(addr)
	if err != nil {
		s.logger.Error("load account", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(addr, acc))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		s.logger.Error("load stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, newStatsView(stats))
}
