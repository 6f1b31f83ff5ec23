package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

type ServerCfg struct {
	Address string

	Logger Logger

	Sink Sink
}

// Server is the receiving side of the replication transfer: it accepts
// diffs over HTTP and applies them atomically to the local dataset.
type Server struct {
	Cfg ServerCfg
	Log Logger

	httpServer *http.Server

	errorChan chan<- error
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing or empty address")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Sink == nil {
		return nil, fmt.Errorf("missing sink")
	}

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,
	}

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.errorChan = errorChan

	listener, err := net.Listen("tcp", s.Cfg.Address)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.Cfg.Address, err)
	}

	s.Log.Info("listening on %s", s.Cfg.Address)

	mux := http.NewServeMux()
	mux.HandleFunc("/diff", s.hDiff)

	s.httpServer = &http.Server{
		Addr:              s.Cfg.Address,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           mux,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.errorChan <- fmt.Errorf("replication server error: %w", err)
		}
	}()

	return nil
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.httpServer.Shutdown(ctx)
}

func (s *Server) hDiff(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		s.replyError(w, 405, "method %s not allowed", req.Method)
		return
	}

	snapshot, changes, err := ReadDiff(req.Body)
	if err != nil {
		s.replyError(w, 400, "invalid diff: %v", err)
		return
	}

	if err := s.Cfg.Sink.Apply(snapshot, changes); err != nil {
		s.replyError(w, 409, "cannot apply diff: %v", err)
		return
	}

	s.Log.Debug(1, "applied %s", snapshot)

	w.WriteHeader(204)
}

func (s *Server) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	s.Log.Error(format, args...)

	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

// HTTPTransport sends diffs to the peer's replication server.
type HTTPTransport struct {
	Address string

	httpClient *http.Client
}

func NewHTTPTransport(address string) *HTTPTransport {
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,

			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 10 * time.Second,
			}).DialContext,

			IdleConnTimeout: 60 * time.Second,
		},
	}

	return &HTTPTransport{
		Address: address,

		httpClient: client,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, diff []byte) error {
	uri := url.URL{
		Scheme: "http",
		Host:   t.Address,
		Path:   "/diff",
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uri.String(),
		bytes.NewReader(diff))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	res, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot send http request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("request failed with status %d: %s",
			res.StatusCode, bytes.TrimSpace(body))
	}

	return nil
}
