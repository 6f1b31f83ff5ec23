package failover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusSource provides the replication part of the node status. It is
// injected so that the controller does not depend on the replication
// packages.
type StatusSource interface {
	ReplicationStatus() interface{}
}

// NodeStatus is the payload of the GET /status endpoint.
type NodeStatus struct {
	NodeId            NodeId      `json:"nodeId"`
	Role              Role        `json:"role"`
	Priority          Priority    `json:"priority"`
	EffectivePriority Priority    `json:"effectivePriority"`
	Healthy           bool        `json:"healthy"`
	FailureStreak     int         `json:"failureStreak"`
	SuccessStreak     int         `json:"successStreak"`
	LastProbe         *float64    `json:"secondsSinceLastProbe,omitempty"`
	LastAdvertisement *float64    `json:"secondsSinceLastAdvertisement"`
	Replication       interface{} `json:"replication,omitempty"`

	RecentTransitions []TransitionEvent `json:"recentTransitions"`
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

// SetStatusSource must be called before Start.
func (c *Controller) SetStatusSource(source StatusSource) {
	c.statusSource = source
}

func (c *Controller) startHTTPServer() error {
	listener, err := net.Listen("tcp", string(c.LocalAddress))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", c.LocalAddress, err)
	}

	c.Log.Info("listening on %s", c.LocalAddress)

	mux := http.NewServeMux()
	mux.HandleFunc("/advertisement", c.hAdvertisement)
	mux.HandleFunc("/status", c.hStatus)
	mux.HandleFunc("/transitions", c.hTransitions)

	c.httpServer = &http.Server{
		Addr:              string(c.LocalAddress),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           mux,
	}

	go func() {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				c.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := c.httpServer.Serve(listener); err != http.ErrServerClosed {
			c.errorChan <- fmt.Errorf("server error: %w", err)
			return
		}
	}()

	return nil
}

func (c *Controller) stopHTTPServer() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c.httpServer.Shutdown(ctx)
}

func (c *Controller) sendMsg(recipientId NodeId, msg Msg) error {
	c.Log.Debug(2, "sending %v to %s", msg, recipientId)

	msgData, err := EncodeMsg(msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	recipient, found := c.Cfg.Nodes[recipientId]
	if !found {
		return fmt.Errorf("unknown recipient id %q", recipientId)
	}

	address := recipient.PublicAddress

	uri := url.URL{
		Scheme: "http",
		Host:   string(address),
		Path:   "/advertisement",
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("X-Failover-Source-Id", string(c.Id))

	// Send the request asynchronously: a slow peer must never delay the
	// advertisement path.
	go c.sendMsgRequest(address, msg, req)

	return nil
}

func (c *Controller) sendMsgRequest(address NodeAddress, msg Msg, req *http.Request) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			c.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.Log.Error("cannot send %v to %s: %v", msg, address, err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var msg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			msg = string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				msg = ": " + msg
			}
		} else {
			c.Log.Error("cannot read response from %s: %v", address, err)
		}

		c.Log.Error("http request to %s failed with status %d%s",
			address, res.StatusCode, msg)
	}
}

func (c *Controller) broadcastMsg(msg Msg) {
	for id := range c.Cfg.Nodes {
		if id == c.Id {
			continue
		}

		c.sendMsg(id, msg)
	}
}

func (c *Controller) hAdvertisement(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		c.replyError(w, 405, "method %s not allowed", req.Method)
		return
	}

	sourceId := req.Header.Get("X-Failover-Source-Id")
	if sourceId == "" {
		c.replyError(w, 400,
			"missing or empty X-Failover-Source-Id header field")
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		c.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeMsg(data)
	if err != nil {
		c.replyError(w, 400, "invalid message: %v", err)
		return
	}

	c.replyEmpty(w, 204)

	// Hand the message to the controller goroutine unless the
	// controller is being stopped.
	incomingMsg := IncomingMsg{
		SourceId: NodeId(sourceId),
		Msg:      msg,
	}

	select {
	case <-c.stopChan:
		return
	default:
	}

	c.msgChan <- incomingMsg
}

func (c *Controller) hStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != "GET" {
		c.replyError(w, 405, "method %s not allowed", req.Method)
		return
	}

	status := NodeStatus{
		NodeId:            c.Id,
		Role:              c.Role(),
		Priority:          c.Cfg.Priority,
		EffectivePriority: c.EffectivePriority(),
		Healthy:           c.healthyNow(),

		RecentTransitions: c.events.Recent(10),
	}

	if c.Cfg.Monitor != nil {
		status.FailureStreak, status.SuccessStreak = c.Cfg.Monitor.Streaks()

		if probedAt := c.Cfg.Monitor.LastProbeTime(); !probedAt.IsZero() {
			seconds := time.Since(probedAt).Seconds()
			status.LastProbe = &seconds
		}
	}

	if elapsed, received := c.TimeSinceLastAdvertisement(); received {
		seconds := elapsed.Seconds()
		status.LastAdvertisement = &seconds
	}

	if c.statusSource != nil {
		status.Replication = c.statusSource.ReplicationStatus()
	}

	c.replyJSON(w, 200, &status)
}

func (c *Controller) hTransitions(w http.ResponseWriter, req *http.Request) {
	if req.Method != "GET" {
		c.replyError(w, 405, "method %s not allowed", req.Method)
		return
	}

	c.replyJSON(w, 200, c.events.Recent(100))
}

func (c *Controller) replyEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func (c *Controller) replyJSON(w http.ResponseWriter, status int, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		c.replyError(w, 500, "cannot encode response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (c *Controller) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (c *Controller) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	c.Log.Error(format, args...)
	c.replyText(w, status, format, args...)
}
