// Package taskengine feeds broker deliveries into the dispatcher, over HTTP push
// or a JetStream queue subscription, and serves the engine's operator endpoints.
package taskengine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/todo-1m/automation/internal/app/dispatcher"
	"github.com/todo-1m/automation/internal/contracts"
	"github.com/todo-1m/automation/internal/sharding"
	"github.com/todo-1m/automation/internal/store"
)

const (
	RouteTaskEvents = "/events/task-events"
	RouteReminders  = "/events/reminders"

	// PubSubName is the component name advertised to the push sidecar.
	PubSubName = "taskpubsub"

	attemptHeader = "X-Delivery-Attempt"
	maxBodyBytes  = 1 << 20
)

const (
	StatusSuccess = "SUCCESS"
	StatusRetry   = "RETRY"
)

// Deliverer is satisfied by *dispatcher.Dispatcher.
type Deliverer interface {
	Handle(ctx context.Context, delivery dispatcher.Delivery) dispatcher.Outcome
}

type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]store.DeadLetter, error)
}

type Subscription struct {
	PubSubName string `json:"pubsubname"`
	Topic      string `json:"topic"`
	Route      string `json:"route"`
}

// Subscriptions lists the topics the engine consumes and the route each is pushed to.
func Subscriptions() []Subscription {
	return []Subscription{
		{PubSubName: PubSubName, Topic: contracts.TopicTaskEvents, Route: RouteTaskEvents},
		{PubSubName: PubSubName, Topic: contracts.TopicReminderTriggers, Route: RouteReminders},
	}
}

type Handler struct {
	Dispatcher  Deliverer
	Lanes       *sharding.Lanes
	DeadLetters DeadLetterLister
	// Ready reports whether the engine's dependencies are reachable. Nil means always ready.
	Ready   func(ctx context.Context) error
	Metrics http.Handler
	Log     zerolog.Logger
}

func NewHandler(d Deliverer, lanes *sharding.Lanes, deadLetters DeadLetterLister, log zerolog.Logger) *Handler {
	return &Handler{
		Dispatcher:  d,
		Lanes:       lanes,
		DeadLetters: deadLetters,
		Log:         log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, h.requestLogger, middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Get("/subscriptions", h.handleSubscriptions)
	r.Get("/dapr/subscribe", h.handleSubscriptions)
	r.Post(RouteTaskEvents, h.handlePush(contracts.TopicTaskEvents))
	r.Post(RouteReminders, h.handlePush(contracts.TopicReminderTriggers))

	r.Get("/deadletters", h.handleDeadLetters)
	return r
}

// pushEnvelope is the body the push sidecar posts. Data holds the encoded DomainEvent.
type pushEnvelope struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic"`
	Data            json.RawMessage `json:"data"`
	DeliveryAttempt int             `json:"delivery_attempt"`
}

type pushResponse struct {
	Status string `json:"status"`
}

// handlePush always answers 200: the status field tells the sidecar whether to
// redeliver.
func (h *Handler) handlePush(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			h.Log.Warn().Err(err).Str("topic", topic).Msg("failed to read push body")
			h.writeJSON(w, http.StatusOK, pushResponse{Status: StatusRetry})
			return
		}

		data, attempt := unwrapPush(body)
		if attempt <= 0 {
			attempt = headerAttempt(r)
		}

		var outcome dispatcher.Outcome
		delivery := dispatcher.Delivery{Data: data, Attempt: attempt, Topic: topic}
		err = h.Lanes.Do(r.Context(), contracts.PartitionKey(data), func() {
			outcome = h.Dispatcher.Handle(r.Context(), delivery)
		})
		if err != nil {
			h.Log.Warn().Err(err).Str("topic", topic).Msg("delivery not processed")
			h.writeJSON(w, http.StatusOK, pushResponse{Status: StatusRetry})
			return
		}

		status := StatusSuccess
		if !outcome.Acknowledge() {
			status = StatusRetry
		}
		h.writeJSON(w, http.StatusOK, pushResponse{Status: status})
	}
}

// unwrapPush returns the event bytes and the attempt carried by the envelope. A body
// without a data field is taken to be the event itself.
func unwrapPush(body []byte) ([]byte, int) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return body, 0
	}
	data := []byte(env.Data)
	var encoded string
	if json.Unmarshal(env.Data, &encoded) == nil {
		data = []byte(encoded)
	}
	return data, env.DeliveryAttempt
}

func headerAttempt(r *http.Request) int {
	n, err := strconv.Atoi(r.Header.Get(attemptHeader))
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return buf.Bytes(), err
}

func (h *Handler) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, Subscriptions())
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	letters, err := h.DeadLetters.List(r.Context(), limit)
	if err != nil {
		h.Log.Error().Err(err).Msg("failed to list dead letters")
		h.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []store.DeadLetter{}
	}
	h.writeJSON(w, http.StatusOK, letters)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeText(w, http.StatusOK, "ok")
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
