// Package stateapi exposes the session state snapshot over HTTP so the UI
// layer can poll it.
package stateapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/session"
)

// ConfigOptions is config options for the state API server.
type ConfigOptions struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StateSource provides the current session state snapshot.
type StateSource interface {
	State() session.State
}

// Server serves the session state over HTTP.
type Server struct {
	source StateSource
	config ConfigOptions
	logger zerolog.Logger
}

// New returns a state API server around a state source.
func New(source StateSource, config ConfigOptions, logger *zerolog.Logger) *Server {
	return &Server{
		source: source,
		config: config,
		logger: logger.With().Str("component", "stateapi").Logger(),
	}
}

// Router returns the HTTP routes of the server.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/session/state", s.handleState()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.Host + ":" + strconv.Itoa(s.config.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("starting state API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.source.State()); err != nil {
			s.logger.Err(err).Msg("could not encode session state")
		}
	}
}
