package logsvc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/nixci/runner/internal/logging"
)

var log = logging.ForComponent("logsvc")

// pollInterval is how often a tailing reader polls for new records once
// its iterator runs dry (spec §4.8).
const pollInterval = 50 * time.Millisecond

// keepAliveInterval is the SSE keep-alive cadence (spec §4.8).
const keepAliveInterval = 15 * time.Second

// wireRecord is the newline-delimited JSON shape accepted on the write
// path; it lacks Line, which the server assigns.
type wireRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Server serves the log service's HTTP surface: POST /{uuid} (ndjson
// ingest) and GET /{uuid} (SSE tail). CORS is fully permissive per spec
// §6, using gorilla/handlers the way the teacher's webapi stack composes
// gorilla middleware around its routes.
type Server struct {
	store  *Store
	router *mux.Router
}

// NewServer builds the log service's HTTP handler.
func NewServer(store *Store) *Server {
	s := &Server{store: store, router: mux.NewRouter()}
	s.router.HandleFunc("/{session}", s.handleWrite).Methods(http.MethodPost)
	s.router.HandleFunc("/{session}", s.handleRead).Methods(http.MethodGet)
	return s
}

// Handler returns the CORS-wrapped root handler to mount on an HTTP
// server.
func (s *Server) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(s.router)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wr wireRecord
		if err := json.Unmarshal(line, &wr); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn("dropping malformed log line")
			continue
		}
		s.store.Append(sessionID, wr.Timestamp, wr.Level, wr.Message)
		count++
	}
	if err := scanner.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprint(w, "event: ready\ndata: \n\n")
	flusher.Flush()

	ctx := r.Context()
	var lastLine uint64
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ticker.C:
			records := s.store.Since(sessionID, lastLine)
			if len(records) == 0 {
				continue
			}
			for _, rec := range records {
				data, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				lastLine = rec.Line
			}
			flusher.Flush()
		}
	}
}

// ListenAndServe runs the log service until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
