/*
router-watchdog - Keeps a home router online by power cycling it
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

const DefaultAddress = "127.0.0.1:9310"

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

type Server struct {
	collectors *Collectors
	status     func() watchdog.Status
	events     func() []string
	router     chi.Router
	server     *http.Server
}

// NewServer serves /metrics from collectors and /status and /events from the
// given snapshot functions.
func NewServer(c *Collectors, status func() watchdog.Status, events func() []string) *Server {
	s := &Server{
		collectors: c,
		status:     status,
		events:     events,
		router:     chi.NewRouter(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}))
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/events", s.handleEvents)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until ctx is done or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server.Addr = addr
	errs := make(chan error, 1)
	go func() {
		log.Infof("Serving metrics on %s", addr)
		errs <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": s.events()})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debugf("Failed to write response: %v", err)
	}
}
