package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/evmgate/evmgate/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxRequestBodyBytes = 4 << 20

// HttpServer is the client-facing front end: POST /{chainId} for JSON-RPC,
// /healthz and /readyz for probes.
type HttpServer struct {
	logger  *zerolog.Logger
	config  *common.ServerConfig
	gateway *Gateway
	server  *http.Server
}

func NewHttpServer(logger *zerolog.Logger, cfg *common.ServerConfig, gw *Gateway) *HttpServer {
	lg := logger.With().Str("component", "httpServer").Logger()

	srv := &HttpServer{
		logger:  &lg,
		config:  cfg,
		gateway: gw,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleLiveness)
	mux.HandleFunc("/readyz", srv.handleReadiness)
	mux.HandleFunc("/", srv.handleRpc)

	srv.server = &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}

	return srv
}

func (s *HttpServer) ListenAndServe() error {
	s.logger.Info().Str("addr", s.config.Addr()).Msg("gateway listening")
	return s.server.ListenAndServe()
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HttpServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *HttpServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.gateway.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	http.Error(w, "not ready", http.StatusServiceUnavailable)
}

func (s *HttpServer) handleRpc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chainId, err := parseChainPath(r.URL.Path)
	if err != nil {
		s.writeError(w, nil, common.NewErrChainNotFound(0))
		return
	}

	handler, err := s.gateway.Handler(chainId)
	if err != nil {
		s.writeError(w, nil, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		s.writeError(w, nil, common.NewErrMalformedRequest(err))
		return
	}

	req, err := common.ParseJsonRpcRequest(body)
	if err != nil {
		s.writeError(w, nil, err)
		return
	}

	// r.Context() is cancelled when the client goes away; the pipeline
	// unwinds promptly while any coalesced flight keeps running for its
	// remaining waiters.
	resp, err := handler.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, req.ID, err)
		return
	}

	s.writeResponse(w, http.StatusOK, resp)
}

// parseChainPath extracts the numeric chain id from "/{chainId}".
func parseChainPath(path string) (uint64, error) {
	trimmed := strings.Trim(path, "/")
	return strconv.ParseUint(trimmed, 10, 64)
}

func (s *HttpServer) writeResponse(w http.ResponseWriter, status int, resp *common.JsonRpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *HttpServer) writeError(w http.ResponseWriter, id json.RawMessage, err error) {
	status := common.ErrorStatusCode(err)
	if errors.Is(err, context.Canceled) {
		// Client is gone; nothing to write.
		return
	}

	code := common.JsonRpcErrorInternal
	var malformed *common.ErrMalformedRequest
	if errors.As(err, &malformed) {
		code = common.JsonRpcErrorInvalidRequest
	}

	if id == nil {
		id = json.RawMessage("null")
	}
	s.logger.Debug().Err(err).Int("status", status).Msg("request failed")
	s.writeResponse(w, status, common.NewJsonRpcErrorResponse(id, code, err.Error()))
}

// MetricsServer serves the Prometheus scrape endpoint on its own listener.
type MetricsServer struct {
	logger *zerolog.Logger
	config *common.MetricsConfig
	server *http.Server
}

func NewMetricsServer(logger *zerolog.Logger, cfg *common.MetricsConfig) *MetricsServer {
	lg := logger.With().Str("component", "metricsServer").Logger()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		logger: &lg,
		config: cfg,
		server: &http.Server{
			Addr:    cfg.Addr(),
			Handler: mux,
		},
	}
}

func (m *MetricsServer) ListenAndServe() error {
	m.logger.Info().Str("addr", m.config.Addr()).Msg("metrics listening")
	return m.server.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
