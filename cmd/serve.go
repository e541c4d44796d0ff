package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/monitoring"
	"github.com/sells-group/news-sentinel/internal/resilience"
)

var (
	servePort     int
	serveInterval time.Duration
)

// passRunner runs one pipeline pass.
type passRunner interface {
	RunPass(ctx context.Context, stages []model.Stage, reconcile bool) (*model.PassRecord, error)
}

// passServer serializes passes started by the interval loop and by
// POST /passes. At most one pass runs at a time.
type passServer struct {
	runner    passRunner
	collector *monitoring.Collector
	breakers  *resilience.Breakers

	mu      sync.Mutex
	running bool
	last    *model.PassRecord
	wg      sync.WaitGroup
}

func newPassServer(runner passRunner, collector *monitoring.Collector, breakers *resilience.Breakers) *passServer {
	return &passServer{runner: runner, collector: collector, breakers: breakers}
}

// start launches a pass in the background unless one is already running.
func (s *passServer) start(ctx context.Context, stages []model.Stage) bool {
	s.mu.Lock()
	if s.running || ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rec, err := s.runner.RunPass(ctx, stages, true)
		if err != nil {
			zap.L().Warn("serve: pass ended with error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		if rec != nil {
			s.last = rec
		}
		s.mu.Unlock()
	}()
	return true
}

// wait blocks until the pass in flight, if any, has finished.
func (s *passServer) wait() {
	s.wg.Wait()
}

func (s *passServer) state() (running bool, last *model.PassRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.last
}

// loop runs a pass now and then every interval until ctx is done.
func (s *passServer) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.start(ctx, nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.start(ctx, nil) {
				zap.L().Info("serve: previous pass still running, skipping tick")
			}
		}
	}
}

func (s *passServer) routes(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		snap, err := s.collector.Collect(req.Context(), 5)
		if err != nil {
			zap.L().Error("serve: collect status", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
			return
		}
		running, last := s.state()
		breakers := make(map[string]string)
		if s.breakers != nil {
			for name, st := range s.breakers.States() {
				breakers[name] = st.String()
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"snapshot": snap,
			"running":  running,
			"last":     last,
			"breakers": breakers,
		})
	})

	r.Post("/passes", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Stages []string `json:"stages"`
		}
		if req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
		}
		stages, err := parseStages(body.Stages)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		// The pass outlives the request: it runs on the server context.
		if !s.start(ctx, stages) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "a pass is already running"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run passes on an interval and expose a status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		interval := serveInterval
		if interval <= 0 {
			interval = cfg.Server.Interval
		}

		collector := monitoring.NewCollector(env.Store)
		ps := newPassServer(env.Pipeline, collector, env.Pipeline.Breakers())

		go ps.loop(ctx, interval)
		go monitoring.NewChecker(collector, env.Alerter, cfg.Monitoring).Run(ctx)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           ps.routes(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.Duration("interval", interval),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		ps.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "time between passes (default from config)")
	rootCmd.AddCommand(serveCmd)
}
