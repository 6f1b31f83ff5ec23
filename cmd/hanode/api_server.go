package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/url"

	"github.com/galdor/go-service/pkg/shttp"
)

var errMissingKey = errors.New("missing or empty query parameter \"key\"")

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/node", "GET", api.hNodeGET)
	api.Route("/node/transitions", "GET", api.hNodeTransitionsGET)
	api.Route("/replication/jobs", "GET", api.hReplicationJobsGET)
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store", "PUT", api.hStorePUT)
	api.Route("/store", "DELETE", api.hStoreDELETE)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

type apiNodeStatus struct {
	NodeId            string      `json:"nodeId"`
	Role              string      `json:"role"`
	EffectivePriority int         `json:"effectivePriority"`
	Healthy           bool        `json:"healthy"`
	FailureStreak     int         `json:"failureStreak"`
	SuccessStreak     int         `json:"successStreak"`
	Replication       interface{} `json:"replication"`
}

func (api *APIServer) hNodeGET(h *shttp.Handler) {
	s := api.Service

	status := apiNodeStatus{
		NodeId:            string(s.controller.Id),
		Role:              string(s.controller.Role()),
		EffectivePriority: int(s.controller.EffectivePriority()),
		Healthy:           s.monitor.Healthy(),
	}

	status.FailureStreak, status.SuccessStreak = s.monitor.Streaks()

	source := replicationStatusSource{
		engine:     s.engine,
		lagMonitor: s.lagMonitor,
		dataset:    s.dataset,
	}
	status.Replication = source.ReplicationStatus()

	h.ReplyJSON(200, &status)
}

func (api *APIServer) hNodeTransitionsGET(h *shttp.Handler) {
	events := api.Service.controller.EventLog().Recent(100)
	h.ReplyJSON(200, events)
}

func (api *APIServer) hReplicationJobsGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.engine.Jobs())
}

type storeEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	key, err := requestKey(h.Request.URL)
	if err != nil {
		h.ReplyError(400, "invalid_query", "%v", err)
		return
	}

	value, found := api.Service.dataset.Get(key)
	if !found {
		h.ReplyError(404, "unknown_key", "unknown key %q", key)
		return
	}

	h.ReplyJSON(200, &storeEntry{Key: key, Value: string(value)})
}

func (api *APIServer) hStorePUT(h *shttp.Handler) {
	data, err := io.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyError(500, "internal_error",
			"cannot read request body: %v", err)
		return
	}

	var entry storeEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		h.ReplyError(400, "invalid_request_body", "invalid body: %v", err)
		return
	}

	if entry.Key == "" {
		h.ReplyError(400, "invalid_request_body", "missing or empty key")
		return
	}

	// Writes are rejected on a non-owner node; the client must talk to
	// the current master.
	err = api.Service.dataset.Put(entry.Key, []byte(entry.Value))
	if err != nil {
		h.ReplyError(409, "not_owner", "%v", err)
		return
	}

	h.ReplyJSON(200, &entry)
}

func (api *APIServer) hStoreDELETE(h *shttp.Handler) {
	key, err := requestKey(h.Request.URL)
	if err != nil {
		h.ReplyError(400, "invalid_query", "%v", err)
		return
	}

	if err := api.Service.dataset.Delete(key); err != nil {
		h.ReplyError(409, "not_owner", "%v", err)
		return
	}

	h.ReplyJSON(200, &storeEntry{Key: key})
}

func requestKey(uri *url.URL) (string, error) {
	key := uri.Query().Get("key")
	if key == "" {
		return "", errMissingKey
	}

	return key, nil
}
