package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/idempotency"
	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/monitoring"
	"github.com/sells-group/leadrun/internal/pipeline"
	"github.com/sells-group/leadrun/internal/quota"
	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/internal/runs"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lead-run API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		env, err := initEnv(ctx, "serve", cfg.Pipeline.DryRun)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		checkOpts := []monitoring.CheckerOption{monitoring.WithAlertEscalation(env.Quota, 50)}
		if cfg.Monitoring.RetryDrainLimit > 0 {
			checkOpts = append(checkOpts, monitoring.WithRetryDrain(env.Orchestrator, cfg.Monitoring.RetryDrainLimit, cfg.Pipeline.DryRun))
		}
		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Runs, env.Quota),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
			checkOpts...,
		)
		go checker.Run(ctx)

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port), zap.Bool("dry_run", cfg.Pipeline.DryRun))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// createRunRequest is the body of POST /orgs/{orgID}/runs.
type createRunRequest struct {
	ActorID  string                  `json:"actor_id"`
	RunID    string                  `json:"run_id"`
	Leads    []model.LeadCandidate   `json:"leads"`
	Criteria model.TargetingCriteria `json:"criteria"`
	Options  *pipeline.Options       `json:"options"`
}

// buildRouter wires the API routes. env.Orchestrator may be nil, in which
// case run creation answers 503.
type healthResponse struct {
	Status   string                     `json:"status"`
	Error    string                     `json:"error,omitempty"`
	Services []resilience.BreakerStatus `json:"services,omitempty"`
}

func buildRouter(env *leadEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Store.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
		resp := healthResponse{Status: "ok"}
		if env.Guard != nil {
			resp.Services = env.Guard.Breakers().Snapshot()
			// Open breakers degrade the check but do not fail it.
			if len(env.Guard.Breakers().Degraded()) > 0 {
				resp.Status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			run, err := env.Runs.GetRun(req.Context(), chi.URLParam(req, "runID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, run)
		})
		r.Get("/audit", func(w http.ResponseWriter, req *http.Request) {
			runID := chi.URLParam(req, "runID")
			if _, err := env.Runs.GetRun(req.Context(), runID); err != nil {
				writeError(w, err)
				return
			}
			events, err := env.Runs.Timeline(req.Context(), runID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": events})
		})
		r.Get("/journeys", func(w http.ResponseWriter, req *http.Request) {
			runID := chi.URLParam(req, "runID")
			if _, err := env.Runs.GetRun(req.Context(), runID); err != nil {
				writeError(w, err)
				return
			}
			journeys, err := env.Runs.Journeys(req.Context(), runID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "leads": journeys})
		})
	})

	r.Route("/orgs/{orgID}", func(r chi.Router) {
		r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
			org := quota.SanitizeOrg(chi.URLParam(req, "orgID"))
			list, err := env.Runs.ListRuns(req.Context(), org, queryInt(req, "limit", 50))
			if err != nil {
				writeError(w, err)
				return
			}
			if list == nil {
				list = []model.Run{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"runs": list})
		})
		r.Post("/runs", func(w http.ResponseWriter, req *http.Request) {
			createRun(w, req, env)
		})
		r.Get("/quota", func(w http.ResponseWriter, req *http.Request) {
			sum, err := env.Quota.Summary(req.Context(), chi.URLParam(req, "orgID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, sum)
		})
		r.Get("/alerts", func(w http.ResponseWriter, req *http.Request) {
			orgID, limit := chi.URLParam(req, "orgID"), queryInt(req, "limit", 20)
			if _, err := env.Quota.EscalateOpenAlerts(req.Context(), orgID, limit); err != nil {
				zap.L().Warn("serve: escalate alerts failed", zap.String("org_id", orgID), zap.Error(err))
			}
			alerts, err := env.Quota.ListAlerts(req.Context(), orgID, limit)
			if err != nil {
				writeError(w, err)
				return
			}
			if alerts == nil {
				alerts = []model.Alert{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
		})
		r.Post("/alerts/{alertID}/ack", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				ActorID string `json:"actor_id"`
			}
			if req.ContentLength != 0 {
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
					return
				}
			}
			if body.ActorID == "" {
				body.ActorID = "api"
			}
			err := env.Quota.AcknowledgeAlert(req.Context(), chi.URLParam(req, "orgID"), chi.URLParam(req, "alertID"), body.ActorID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		})
	})

	return r
}

// createRun drives a batch synchronously. An Idempotency-Key header makes
// the call safe to repeat: a second request with the same key returns the
// first result.
func createRun(w http.ResponseWriter, req *http.Request, env *leadEnv) {
	if env.Orchestrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "runs are not enabled on this server"})
		return
	}
	var body createRunRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(body.Leads) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "leads are required"})
		return
	}
	leads, err := normalizeLeads(body.Leads)
	if err != nil {
		writeError(w, model.NewValidationError("leads", "%v", err))
		return
	}
	if body.ActorID == "" {
		body.ActorID = "api"
	}
	opts := pipeline.Options{
		IncludeEnrichment: cfg.Pipeline.IncludeEnrichment,
		DryRun:            cfg.Pipeline.DryRun,
		MinScore:          cfg.Pipeline.MinScore,
	}
	if body.Options != nil {
		opts = *body.Options
		// A dry-run server never lets a caller turn simulation off.
		opts.DryRun = opts.DryRun || cfg.Pipeline.DryRun
	}

	orgID := chi.URLParam(req, "orgID")
	res, err := idempotency.Execute(req.Context(), env.Ledger, idempotency.Request{
		ActorID: body.ActorID,
		Route:   pipeline.RoutePrefix + "create/" + quota.SanitizeOrg(orgID),
		Key:     req.Header.Get("Idempotency-Key"),
	}, func(ctx context.Context) (*pipeline.RunResult, error) {
		return env.Orchestrator.Run(ctx, pipeline.RunRequest{
			OrgID:    orgID,
			ActorID:  body.ActorID,
			RunID:    body.RunID,
			Leads:    leads,
			Criteria: body.Criteria,
			Options:  opts,
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusCreated, res.Data)
}

func queryInt(req *http.Request, name string, def int) int {
	v, err := strconv.Atoi(req.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var qe *quota.QuotaExceededError
	var ve *model.ValidationError
	switch {
	case errors.Is(err, runs.ErrRunNotFound), errors.Is(err, quota.ErrAlertNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &qe):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     qe.Error(),
			"reason":    qe.Reason,
			"remaining": qe.Remaining,
			"limit":     qe.Limit,
		})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
	case errors.Is(err, pipeline.ErrRunExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
