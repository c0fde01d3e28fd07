// ABOUTME: Per-agent HTTP endpoint receiving messages, multipart attachments, and task assignments
// ABOUTME: Every mutating route authenticates the envelope before it writes anything

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/2389/coven-swarm/internal/envelope"
)

// maxEnvelopeBytes bounds JSON bodies and the envelope part of multipart uploads.
const maxEnvelopeBytes = 8 << 20

// Status is the body of GET /status.
type Status struct {
	AgentID       string `json:"agentId"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// ServerConfig wires a Server.
type ServerConfig struct {
	AgentID     string
	Role        string
	Host        string
	Fingerprint string

	Receiver    *Receiver
	Attachments *AttachmentStore
	Ports       *PortAllocator
	Registry    *Registry

	// Events serves GET /events when set, usually a notify.Hub.
	Events http.Handler
	// Status reports the runtime status for GET /status. Defaults to "idle".
	Status func() string

	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Server is the inbound endpoint of one agent process.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	started time.Time

	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	port     int
	record   EndpointRecord
	stopBeat context.CancelFunc
	beatDone chan struct{}
}

// NewServer creates a server. Nothing is bound until Start.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Status == nil {
		cfg.Status = func() string { return "idle" }
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "transport.server", "agent_id", cfg.AgentID),
		started: time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("POST /message-multi", s.handleMessageMulti)
	mux.HandleFunc("POST /task", s.handleTask)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.cfg.Events != nil {
		mux.Handle("GET /events", s.cfg.Events)
	}
	return mux
}

// Start allocates a port, registers the endpoint, and begins serving. It
// returns once the listener is bound; serve errors are sent on the returned
// channel.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	ln, port, err := s.cfg.Ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating port: %w", err)
	}

	rec := EndpointRecord{
		AgentID:     s.cfg.AgentID,
		Role:        s.cfg.Role,
		Host:        s.cfg.Host,
		Port:        port,
		URL:         "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)),
		PID:         os.Getpid(),
		Fingerprint: s.cfg.Fingerprint,
		StartedAt:   s.started.UTC(),
	}

	s.mu.Lock()
	s.listener = ln
	s.port = port
	s.record = rec
	s.mu.Unlock()

	if s.cfg.Registry != nil {
		if err := s.cfg.Registry.Register(rec); err != nil {
			ln.Close()
			s.cfg.Ports.Release(port)
			return nil, fmt.Errorf("registering endpoint: %w", err)
		}
		beatCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		s.mu.Lock()
		s.stopBeat = cancel
		s.beatDone = done
		s.mu.Unlock()
		go func() {
			defer close(done)
			s.cfg.Registry.RunHeartbeat(beatCtx, rec, s.cfg.HeartbeatInterval)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent endpoint listening", "addr", ln.Addr().String(), "url", rec.URL)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh, nil
}

// URL returns the endpoint address once started.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.URL
}

// Record returns the registry record published at Start.
func (s *Server) Record() EndpointRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Run starts the server and blocks until ctx is canceled or serving fails.
func (s *Server) Run(ctx context.Context) error {
	errCh, err := s.Start(ctx)
	if err != nil {
		return err
	}

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// The original context is already done; shut down with a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the heartbeat (deregistering the endpoint), stops serving,
// and releases the port.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down agent endpoint")

	s.mu.Lock()
	stop, done, port := s.stopBeat, s.beatDone, s.port
	s.stopBeat = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if port != 0 {
		s.cfg.Ports.Release(port)
	}
	return errors.Join(errs...)
}

// handleMessage accepts a JSON envelope without attachments.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if len(msg.Attachments) > 0 {
		s.sendJSONError(w, http.StatusBadRequest, "attachments require /message-multi")
		return
	}
	s.accept(w, r, msg, nil, false)
}

// handleTask accepts a signed task assignment.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if _, err := (&Delivery{Message: msg}).Task(); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.accept(w, r, msg, nil, false)
}

func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (*envelope.Message, bool) {
	var msg envelope.Message
	body := http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return &msg, true
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, msg *envelope.Message, atts []StoredAttachment, prechecked bool) {
	ctx := r.Context()
	if !prechecked {
		if err := s.cfg.Receiver.Precheck(ctx, msg, PathNetwork); err != nil {
			s.writePrecheckError(w, msg, err)
			return
		}
	}
	err := s.cfg.Receiver.Accept(ctx, msg, PathNetwork, atts)
	switch {
	case errors.Is(err, ErrDuplicate):
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "messageId": msg.ID})
	case err != nil:
		s.logger.Error("accepting message", "message_id", msg.ID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal error")
	default:
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "accepted", "messageId": msg.ID})
	}
}

func (s *Server) writePrecheckError(w http.ResponseWriter, msg *envelope.Message, err error) {
	switch {
	case errors.Is(err, ErrDuplicate):
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "messageId": msg.ID})
	case errors.Is(err, ErrNotAddressed):
		s.sendJSONError(w, http.StatusMisdirectedRequest, err.Error())
	case errors.Is(err, envelope.ErrMalformed):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRejected):
		s.sendJSONError(w, http.StatusUnauthorized, "signature verification failed")
	default:
		s.logger.Error("prechecking message", "message_id", msg.ID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleMessageMulti accepts a multipart body: an "envelope" field first,
// then one file part per attachment. The envelope is authenticated before
// any part is written.
func (s *Server) handleMessageMulti(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "expected multipart body")
		return
	}

	first, err := mr.NextPart()
	if err != nil || first.FormName() != "envelope" {
		s.sendJSONError(w, http.StatusBadRequest, "first part must be the envelope field")
		return
	}
	var msg envelope.Message
	err = json.NewDecoder(io.LimitReader(first, maxEnvelopeBytes)).Decode(&msg)
	first.Close()
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid envelope JSON")
		return
	}

	ctx := r.Context()
	if err := s.cfg.Receiver.Precheck(ctx, &msg, PathNetwork); err != nil {
		s.writePrecheckError(w, &msg, err)
		return
	}

	refs := make(map[string]envelope.AttachmentRef, len(msg.Attachments))
	for _, ref := range msg.Attachments {
		refs[ref.Name] = ref
	}

	var stored []StoredAttachment
	cleanup := func() {
		for _, a := range stored {
			if a.LocalPath != s.cfg.Attachments.BlobPath(a.Ref.ContentHash) {
				os.Remove(a.LocalPath)
			}
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			s.sendJSONError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		name := partFileName(part.Header.Get("Content-Disposition"))
		ref, ok := refs[name]
		if !ok {
			part.Close()
			cleanup()
			s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unexpected attachment %q", name))
			return
		}
		delete(refs, name)

		local, err := s.cfg.Attachments.Save(msg.ID, ref, part)
		part.Close()
		if err != nil {
			cleanup()
			if errors.Is(err, ErrHashMismatch) || errors.Is(err, ErrBadAttachmentName) {
				s.logger.Warn("rejected attachment", "message_id", msg.ID, "name", name, "error", err)
				s.sendJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.logger.Error("storing attachment", "message_id", msg.ID, "name", name, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "storing attachment failed")
			return
		}
		stored = append(stored, StoredAttachment{Ref: ref, LocalPath: local})
	}

	if len(refs) > 0 {
		cleanup()
		s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("%d attachment(s) missing from body", len(refs)))
		return
	}
	s.accept(w, r, &msg, stored, true)
}

// partFileName extracts the filename parameter from a Content-Disposition header.
func partFileName(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Status{
		AgentID:       s.cfg.AgentID,
		Role:          s.cfg.Role,
		Status:        s.cfg.Status(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
