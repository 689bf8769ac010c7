package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/aalhour/tidekv"
	"github.com/aalhour/tidekv/internal/logging"
)

const (
	contentTypeJSON   = "application/json"
	shutdownTimeout   = 5 * time.Second
	maxValueBodyBytes = 64 << 20
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the database over HTTP until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address",
				Value: ":8080",
			},
		},
		Action: withDB(func(ctx context.Context, cmd *cli.Command, db *tidekv.DB) error {
			level, err := logging.ParseLevel(cmd.String("log-level"))
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              cmd.String("addr"),
				Handler:           newServer(db, logging.NewLogger(cmd.Root().ErrWriter, level)).routes(),
				ReadHeaderTimeout: time.Second,
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}),
	}
}

// server exposes one database over HTTP.
type server struct {
	db     *tidekv.DB
	logger logging.Logger
}

func newServer(db *tidekv.DB, logger logging.Logger) *server {
	return &server{db: db, logger: logging.OrDefault(logger)}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/cache", s.handleCacheStats)
	r.Route("/cf", func(r chi.Router) {
		r.Get("/", s.handleListCFs)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Get("/keys/{key}", s.handleGet)
			r.Put("/keys/{key}", s.handlePut)
			r.Delete("/keys/{key}", s.handleDelete)
		})
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("%sencode response: %v", logging.NSHTTP, err)
	}
}

// writeError maps an engine error onto an HTTP status.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch tidekv.CodeOf(err) {
	case tidekv.CodeNotFound:
		status = http.StatusNotFound
	case tidekv.CodeInvalidArgs, tidekv.CodeTooLarge:
		status = http.StatusBadRequest
	case tidekv.CodeExists, tidekv.CodeConflict:
		status = http.StatusConflict
	case tidekv.CodeInvalidDB:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Errorf("%s%s %s: %v", logging.NSHTTP, r.Method, r.URL.Path, err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: tidekv.CodeOf(err).String()})
}

func (s *server) cf(w http.ResponseWriter, r *http.Request) (*tidekv.ColumnFamily, bool) {
	cf, err := s.db.GetColumnFamily(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return cf, true
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"identity": s.db.Identity(),
	})
}

func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.db.GetCacheStats())
}

func (s *server) handleListCFs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.db.ListColumnFamilies())
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	cf, ok := s.cf(w, r)
	if !ok {
		return
	}
	st, err := cf.Stats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	cf, ok := s.cf(w, r)
	if !ok {
		return
	}
	v, err := cf.Get([]byte(chi.URLParam(r, "key")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(v); err != nil {
		s.logger.Warnf("%swrite value: %v", logging.NSHTTP, err)
	}
}

// handlePut stores the request body. The optional ttl query parameter is a
// lifetime in seconds.
func (s *server) handlePut(w http.ResponseWriter, r *http.Request) {
	cf, ok := s.cf(w, r)
	if !ok {
		return
	}
	ttl := int64(-1)
	if q := r.URL.Query().Get("ttl"); q != "" {
		secs, err := strconv.ParseInt(q, 10, 64)
		if err != nil || secs <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ttl must be a positive number of seconds", Code: tidekv.CodeInvalidArgs.String()})
			return
		}
		ttl = time.Now().Unix() + secs
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error(), Code: tidekv.CodeTooLarge.String()})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: tidekv.CodeIO.String()})
		return
	}
	if err := cf.Put([]byte(chi.URLParam(r, "key")), body, ttl); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	cf, ok := s.cf(w, r)
	if !ok {
		return
	}
	if err := cf.Delete([]byte(chi.URLParam(r, "key"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
