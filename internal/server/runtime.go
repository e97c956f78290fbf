package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"adwboard/internal/orchestrator"
	"adwboard/internal/serviceapi"
)

type Options struct {
	Addr            string
	PolicyPath      string
	ShutdownTimeout time.Duration
	StreamHeartbeat time.Duration
	Logger          *slog.Logger
}

type Runtime struct {
	opts       Options
	service    serviceapi.Core
	logger     *slog.Logger
	startedAt  time.Time
	streamBeat time.Duration
	server     *http.Server
}

type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Now       time.Time `json:"now"`
	InFlight  []string  `json:"in_flight"`
}

func NewRuntime(options Options) (*Runtime, error) {
	options = normalizeOptions(options)
	core, err := serviceapi.NewLocalCore(orchestrator.Options{
		PolicyPath: options.PolicyPath,
		Logger:     options.Logger,
	})
	if err != nil {
		return nil, err
	}
	return NewRuntimeWithCore(core, options), nil
}

func NewRuntimeWithCore(core serviceapi.Core, options Options) *Runtime {
	options = normalizeOptions(options)
	runtime := &Runtime{
		opts:       options,
		service:    core,
		logger:     options.Logger,
		startedAt:  time.Now().UTC(),
		streamBeat: options.StreamHeartbeat,
	}
	runtime.server = &http.Server{
		Addr:              options.Addr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return runtime
}

// Handler is the full route table wrapped in recovery, access logging and
// CORS for the dashboard.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	r.registerRoutes(mux)
	var handler http.Handler = mux
	handler = CORSMiddleware()(handler)
	handler = LoggingMiddleware(r.logger)(handler)
	handler = RecoverMiddleware(r.logger)(handler)
	return handler
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("api listening", "addr", r.opts.Addr)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.service.Shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	err := r.server.Shutdown(shutdownCtx)
	r.service.Shutdown()
	return err
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":3001"
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	if options.StreamHeartbeat <= 0 {
		options.StreamHeartbeat = 15 * time.Second
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return options
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	inFlight, err := r.service.InFlightDeletions(req.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	if inFlight == nil {
		inFlight = []string{}
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
		InFlight:  inFlight,
	})
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
