package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shiftgig/petri-dish/internal/assign"
	"github.com/shiftgig/petri-dish/internal/config"
	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/monitoring"
	"github.com/shiftgig/petri-dish/internal/scorer"
	"github.com/shiftgig/petri-dish/internal/store"
)

// maxTrialsPerRequest bounds the work a single API call can ask for.
const maxTrialsPerRequest = 100000

const defaultLookbackHours = 24

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assignment HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
		}

		if cfg.Monitoring.Enabled {
			if st == nil {
				zap.L().Warn("monitoring enabled without a run store, alert checker not started")
			} else {
				checker := monitoring.NewChecker(
					monitoring.NewCollector(st, ""),
					monitoring.NewAlerter(cfg.Monitoring),
					cfg.Monitoring,
				)
				go checker.Run(ctx)
			}
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(st, cfg.Server),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

type api struct {
	store   store.Store
	maxBody int64
}

// buildRouter wires the API routes. st may be nil when run history is off.
func buildRouter(st store.Store, sc config.ServerConfig) http.Handler {
	a := &api{store: st, maxBody: sc.MaxBodyBytes}
	if a.maxBody <= 0 {
		a.maxBody = 10 << 20
	}

	origins := sc.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	if sc.RateLimit > 0 {
		burst := sc.Burst
		if burst <= 0 {
			burst = 1
		}
		r.Use(rateLimit(rate.NewLimiter(rate.Limit(sc.RateLimit), burst)))
	}

	r.Get("/health", a.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/assign", a.assign)
		r.Post("/score", a.score)
		r.Get("/runs", a.listRuns)
		r.Get("/runs/stats", a.runStats)
		r.Get("/runs/{id}", a.getRun)
	})
	return r
}

func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if a.store != nil {
		if err := a.store.Ping(r.Context()); err != nil {
			zap.L().Warn("health: store ping failed", zap.Error(err))
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// tableRequest carries subjects as a list of objects. Cell values may be
// strings, numbers, booleans or null.
type tableRequest struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

type assignRequest struct {
	Mode   string        `json:"mode"`
	Config assign.Config `json:"config"`
	tableRequest
}

type assignResponse struct {
	*assign.Result
	Table *model.Table `json:"table"`
}

func (a *api) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Config.Trials == 0 {
		req.Config.Trials = assign.DefaultTrials
	}
	if req.Config.Trials > maxTrialsPerRequest {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("trials must be at most %d", maxTrialsPerRequest))
		return
	}
	t, err := req.table()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var d assign.Distributor
	switch req.Mode {
	case "", "directed":
		d, err = assign.NewDirected(req.Config)
	case "stochastic":
		d, err = assign.NewStochastic(req.Config)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}

	res, err := d.Assign(r.Context(), t)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{Result: res, Table: res.Table})
}

type scoreRequest struct {
	Config scorer.Config `json:"config"`
	tableRequest
}

func (a *api) score(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !a.decode(w, r, &req) {
		return
	}
	t, err := req.table()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s, err := scorer.New(req.Config)
	if err != nil {
		writeFailure(w, err)
		return
	}
	report, err := s.Evaluate(t)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	q := r.URL.Query()
	filter := store.RunFilter{
		Experiment: q.Get("experiment"),
		Status:     store.RunStatus(q.Get("status")),
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", key, v))
				return
			}
			*dst = n
		}
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *api) runStats(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	hours := defaultLookbackHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid hours %q", v))
			return
		}
		hours = n
	}

	snap, err := monitoring.NewCollector(a.store, r.URL.Query().Get("experiment")).Collect(r.Context(), hours)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// table converts the request rows. Columns default to the keys of the first
// row in sorted order when not given.
func (req tableRequest) table() (*model.Table, error) {
	cols := req.Columns
	if len(cols) == 0 && len(req.Rows) > 0 {
		for k := range req.Rows[0] {
			cols = append(cols, k)
		}
		sort.Strings(cols)
	}
	t := model.NewTable(cols...)
	for i, row := range req.Rows {
		rec := make(model.Record, len(cols))
		for _, c := range cols {
			s, err := cellText(row[c])
			if err != nil {
				return nil, eris.Wrapf(err, "row %d column %q", i, c)
			}
			rec[c] = s
		}
		t.Append(rec)
	}
	return t, nil
}

func cellText(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", eris.Errorf("unsupported value of type %T", v)
	}
}

// writeFailure maps domain errors to status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, assign.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
