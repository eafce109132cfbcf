// Package admin exposes the HTTP management and data API: topic and
// subscription lifecycle, publish, the pull surface and migrations.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/packrat-mq/packrat/engine"
	"github.com/packrat-mq/packrat/pubsub"
)

// Error kinds in API responses. Producers retry "transient", fix their
// request on "invalid_request" and give up on "not_found".
const (
	kindNotFound = "not_found"
	kindInvalid  = "invalid_request"
	kindDenied   = "permission_denied"
	kindTrans    = "transient"
)

type apiError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

// Server is the admin HTTP server for one process.
type Server struct {
	engine *engine.Engine
	http   *http.Server

	credMu sync.RWMutex
	creds  map[string]pubsub.Credential
}

// NewServer builds the server; Start binds it.
func NewServer(e *engine.Engine, bindAddress string, port int) *Server {
	s := &Server{
		engine: e,
		creds:  make(map[string]pubsub.Credential),
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", bindAddress, port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// RegisterCredential installs a named credential for the publish surface.
// Requests present the name in the X-Packrat-Sec-Name header.
func (s *Server) RegisterCredential(cred pubsub.Credential) {
	s.credMu.Lock()
	defer s.credMu.Unlock()
	s.creds[cred.Name] = cred
}

func (s *Server) credential(r *http.Request) (pubsub.Credential, bool) {
	name := r.Header.Get("X-Packrat-Sec-Name")
	s.credMu.RLock()
	defer s.credMu.RUnlock()
	cred, ok := s.creds[name]
	return cred, ok
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/topics", func(r chi.Router) {
		r.Post("/", s.handleCreateTopic)
		r.Route("/{topic}", func(r chi.Router) {
			r.Put("/", s.handleEditTopic)
			r.Delete("/", s.handleDeleteTopic)
			r.Post("/rename", s.handleRenameTopic)
			r.Post("/publish", s.handlePublish)
		})
	})

	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", s.handleSubscribe)
		r.Route("/{subKey}", func(r chi.Router) {
			r.Delete("/", s.handleUnsubscribe)
			r.Get("/messages", s.handleGetMessages)
			r.Post("/ack", s.handleAcknowledge)
			r.Get("/depth", s.handleQueueDepth)
			r.Post("/migrate", s.handleMigrate)
		})
	})

	return r
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	log.Info().Str("address", s.http.Addr).Msg("Starting admin API")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.http.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, kind, reason string) {
	writeJSON(w, status, errorBody{Error: apiError{Kind: kind, Reason: reason}})
}

// mapError translates domain errors to the API taxonomy.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pubsub.ErrTopicNotFound),
		errors.Is(err, pubsub.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, engine.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, kindDenied, err.Error())
	case errors.Is(err, pubsub.ErrMissingPushTarget),
		errors.Is(err, pubsub.ErrInvalidSubscription),
		errors.Is(err, pubsub.ErrUnknownAccessType),
		errors.Is(err, engine.ErrNotPullEnabled):
		writeError(w, http.StatusBadRequest, kindInvalid, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, kindTrans, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalid, "undecodable request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"topics": s.engine.Registry().TopicCount(),
		"tasks":  s.engine.Tasks().Len(),
	})
}

type topicRequest struct {
	Name               string `json:"name"`
	HookServiceName    string `json:"hook_service_name"`
	DeliveryIntervalMS int    `json:"delivery_interval_ms"`
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, kindInvalid, "topic name must not be empty")
		return
	}
	if err := s.engine.CreateTopic(req.Name, pubsub.TopicConfig{
		HookServiceName:    req.HookServiceName,
		DeliveryIntervalMS: req.DeliveryIntervalMS,
	}); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleEditTopic(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if !decodeBody(w, r, &req) {
		return
	}
	topic := chi.URLParam(r, "topic")
	if err := s.engine.EditTopic(topic, pubsub.TopicConfig{
		HookServiceName:    req.HookServiceName,
		DeliveryIntervalMS: req.DeliveryIntervalMS,
	}); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": topic})
}

func (s *Server) handleRenameTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewName string `json:"new_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NewName == "" {
		writeError(w, http.StatusBadRequest, kindInvalid, "new_name must not be empty")
		return
	}
	topic := chi.URLParam(r, "topic")
	if err := s.engine.RenameTopic(topic, req.NewName); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.NewName})
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteTopic(chi.URLParam(r, "topic")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type publishRequest struct {
	Data          []byte `json:"data"`
	Priority      int    `json:"priority"`
	CorrelID      string `json:"correl_id"`
	InReplyTo     string `json:"in_reply_to"`
	MimeType      string `json:"mime_type"`
	ExtClientID   string `json:"ext_client_id"`
	ExpirationSec int64  `json:"expiration"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.credential(r)
	if !ok {
		writeError(w, http.StatusForbidden, kindDenied, "unknown credential")
		return
	}

	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msgID, err := s.engine.Publish(cred, chi.URLParam(r, "topic"), &pubsub.Message{
		Data:          req.Data,
		Priority:      req.Priority,
		CorrelID:      req.CorrelID,
		InReplyTo:     req.InReplyTo,
		MimeType:      req.MimeType,
		ExtClientID:   req.ExtClientID,
		ExpirationSec: req.ExpirationSec,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg_id": msgID})
}

type subscribeRequest struct {
	TopicName     string `json:"topic_name"`
	Endpoint      string `json:"endpoint"`
	SecName       string `json:"sec_name"`
	DeliveryType  string `json:"delivery_type"`
	PushType      string `json:"push_type"`
	RestTarget    string `json:"rest_target"`
	ServiceTarget string `json:"service_target"`
	HasGD         bool   `json:"has_gd"`
	IsWSX         bool   `json:"is_wsx"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sub := &pubsub.Subscription{
		TopicName:     req.TopicName,
		Endpoint:      req.Endpoint,
		SecName:       req.SecName,
		DeliveryType:  pubsub.DeliveryType(req.DeliveryType),
		PushType:      pubsub.PushType(req.PushType),
		RestTarget:    req.RestTarget,
		ServiceTarget: req.ServiceTarget,
		HasGD:         req.HasGD,
		IsWSX:         req.IsWSX,
	}
	if err := s.engine.Subscribe(sub); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sub_key": sub.SubKey})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unsubscribe(chi.URLParam(r, "subKey")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	batchSize := 0
	if v := r.URL.Query().Get("batch_size"); v != "" {
		fmt.Sscanf(v, "%d", &batchSize)
	}

	msgs, err := s.engine.GetMessages(chi.URLParam(r, "subKey"), batchSize)
	if err != nil {
		mapError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*pubsub.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MsgIDs []string `json:"msg_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.MsgIDs) == 0 {
		writeError(w, http.StatusBadRequest, kindInvalid, "msg_ids must not be empty")
		return
	}
	if err := s.engine.AcknowledgeDelivery(chi.URLParam(r, "subKey"), req.MsgIDs); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.engine.GetQueueDepth(chi.URLParam(r, "subKey"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"depth": depth})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, kindInvalid, "target must not be empty")
		return
	}
	if err := s.engine.MigrateDeliveryTask(chi.URLParam(r, "subKey"), req.Target); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
