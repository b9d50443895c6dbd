// Package router implements the request-routing front door: it resolves
// each compile/cmake request to either the async queue-and-correlate path
// or the direct HTTP forwarding path, and returns the result synchronously
// to the caller, following the platform gateway's single-mux,
// instrumented-handler conventions.
package router

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/compiler-explorer/ce-router/core/correlator"
	"github.com/compiler-explorer/ce-router/core/forwarder"
	"github.com/compiler-explorer/ce-router/core/infra/logging"
	"github.com/compiler-explorer/ce-router/core/infra/metrics"
	"github.com/compiler-explorer/ce-router/core/queue"
	"github.com/compiler-explorer/ce-router/core/routing"
)

const subscribeSettleDelay = 50 * time.Millisecond

const maxBodyBytes = 16 << 20 // 16 MiB

// BusStatus reports the current event-bus connection state, used by the
// health check endpoint.
type BusStatus func() bool

// Deps wires the router facade to its process-singleton collaborators.
type Deps struct {
	Resolver       *routing.Resolver
	Submitter      *queue.Submitter
	Correlator     *correlator.Correlator
	Forwarder      *forwarder.Forwarder
	Metrics        metrics.Metrics
	Environment    string
	TimeoutSeconds int
	BusConnected   BusStatus
}

// Server is the HTTP facade described by the router component design.
type Server struct {
	deps Deps
}

// New constructs a Server from deps, applying defaults for the fields that
// have sensible ones.
func New(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Environment == "" {
		deps.Environment = "prod"
	}
	if deps.TimeoutSeconds <= 0 {
		deps.TimeoutSeconds = 60
	}
	if deps.BusConnected == nil {
		deps.BusConnected = func() bool { return false }
	}
	return &Server{deps: deps}
}

// Handler builds the ServeMux the process listens with, CORS-wrapped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthcheck", s.handleHealthcheck)
	mux.HandleFunc("POST /api/compiler/{compilerId}/{action}", s.instrumented("/api/compiler/{compilerId}/{action}", s.handleCompile))
	mux.HandleFunc("POST /{env}/api/compiler/{compilerId}/{action}", s.instrumented("/{env}/api/compiler/{compilerId}/{action}", s.handleCompile))
	return withCORS(mux)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	status := "disconnected"
	if s.deps.BusConnected() {
		status = "connected"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"websocket": status,
	})
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	environment := r.PathValue("env")
	if environment == "" {
		environment = s.deps.Environment
	}
	compilerID := r.PathValue("compilerId")
	action := r.PathValue("action")
	isCMake := action == "cmake"

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	rawBody, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	// Once a request has subscribed, a client disconnect must not cancel
	// the rest of the pipeline (routing lookup, queue publish, the await,
	// or the forward) — only the waiter's own timeout or a forward's own
	// deadline may end it. ctx carries request-scoped values without the
	// cancellation r.Context() would otherwise propagate.
	ctx := context.WithoutCancel(r.Context())

	correlationID := uuid.NewString()
	if err := s.deps.Correlator.Subscribe(correlationID); err != nil {
		logging.Error("router", "subscribe failed", "guid", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe for compilation result")
		return
	}
	time.Sleep(subscribeSettleDelay)

	info, _ := s.deps.Resolver.Lookup(ctx, environment, compilerID)

	if info.Type == routing.TypeURL {
		s.deps.Correlator.Unsubscribe(correlationID)
		s.forwardToURL(w, ctx, r, info.Target, rawBody)
		return
	}

	s.submitAndWait(w, ctx, r, submitAndWaitRequest{
		correlationID: correlationID,
		compilerID:    compilerID,
		environment:   info.Environment,
		queueURL:      info.Target,
		rawBody:       rawBody,
		isCMake:       isCMake,
	})
}

func (s *Server) forwardToURL(w http.ResponseWriter, ctx context.Context, r *http.Request, targetURL string, rawBody []byte) {
	result, err := s.deps.Forwarder.Forward(ctx, targetURL, rawBody, r.Header)
	if err != nil {
		logging.Error("router", "forward failed", "target", targetURL, "error", err)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	for k, vals := range result.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	writeCORS(w)
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

type submitAndWaitRequest struct {
	correlationID string
	compilerID    string
	environment   string
	queueURL      string
	rawBody       []byte
	isCMake       bool
}

func (s *Server) submitAndWait(w http.ResponseWriter, ctx context.Context, r *http.Request, req submitAndWaitRequest) {
	send := queue.SendRequest{
		CorrelationID: req.correlationID,
		CompilerID:    req.compilerID,
		Environment:   req.environment,
		QueueURL:      req.queueURL,
		RawBody:       req.rawBody,
		ContentType:   r.Header.Get("Content-Type"),
		IsCMake:       req.isCMake,
		Headers:       flattenHeaders(r.Header),
		Query:         flattenQuery(r.URL.Query()),
	}

	if err := s.deps.Submitter.Send(ctx, send); err != nil {
		logging.Error("router", "queue submit failed", "guid", req.correlationID, "error", err)
		s.deps.Correlator.Unsubscribe(req.correlationID)
		writeError(w, http.StatusInternalServerError, "failed to submit compilation request")
		return
	}

	timeout := time.Duration(s.deps.TimeoutSeconds) * time.Second
	result, err := s.deps.Correlator.WaitForResult(ctx, req.correlationID, timeout)
	if err == correlator.ErrTimeout {
		writeError(w, http.StatusRequestTimeout, timeoutMessage(s.deps.TimeoutSeconds, req.correlationID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retrieve compilation result")
		return
	}

	writeShapedResult(w, r, map[string]any(result))
}

func timeoutMessage(timeoutSeconds int, guid string) string {
	return "Compilation timeout: No response received within " + strconv.Itoa(timeoutSeconds) + " seconds for GUID: " + guid
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[k] = strings.Join(vals, ", ")
	}
	return out
}

func flattenQuery(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for k, vals := range q {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.deps.Metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		logging.Info("router", "request completed", "method", r.Method, "route", route, "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	}
}

