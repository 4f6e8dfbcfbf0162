package crossbar

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/practable/dispatch/internal/hub"
	"github.com/practable/dispatch/internal/metrics"
	"github.com/practable/dispatch/internal/protocol"
	"github.com/practable/dispatch/internal/queue"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns the routes served by the engine
func (e *Engine) Handler() http.Handler {

	r := mux.NewRouter()

	r.HandleFunc(e.config.Path, e.serveWs)
	r.HandleFunc("/api/v1/publish/{channel}", e.publish).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/channels", e.channels).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", e.stats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", e.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(e.promRegistry)).Methods(http.MethodGet)

	return r
}

// serveWs handles websocket requests from clients
func (e *Engine) serveWs(w http.ResponseWriter, r *http.Request) {

	if e.closing.Load() {
		e.metrics.Refused.WithLabelValues("shutdown").Inc()
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("serveWs failed to upgrade to websocket")
		return
	}

	log.Trace("upgraded to ws") //Cannot return any http responses from here on

	info := hub.Info{
		RemoteAddr: remoteAddr(r),
		UserAgent:  r.UserAgent(),
	}

	id, err := e.hub.Accept(conn, info)

	switch {
	case errors.Is(err, hub.ErrCapacity):
		e.metrics.Refused.WithLabelValues("capacity").Inc()
		return
	case errors.Is(err, hub.ErrClosing):
		e.metrics.Refused.WithLabelValues("shutdown").Inc()
		return
	case err != nil:
		log.WithField("error", err).Error("could not accept connection")
		return
	}

	e.handler.Welcome(protocol.Welcome{
		ID:             id,
		FrameBudgetMs:  ms(e.loop.Budget()),
		HeartbeatMs:    e.monitor.Interval().Milliseconds(),
		MaxMessageSize: e.config.MaxMessageSize,
	})

	log.WithFields(log.Fields{"id": id, "remoteAddr": info.RemoteAddr, "userAgent": info.UserAgent}).Info("connected")
}

func remoteAddr(r *http.Request) string {
	if f := r.Header.Get("X-Forwarded-For"); f != "" {
		return f
	}
	return r.RemoteAddr
}

// publish lets producers outside the process enqueue a message
func (e *Engine) publish(w http.ResponseWriter, r *http.Request) {

	channel := mux.Vars(r)["channel"]

	priority, err := queue.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.config.MaxMessageSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}

	err = e.Enqueue(channel, json.RawMessage(body), priority)

	switch {
	case errors.Is(err, ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"channel":  channel,
		"priority": priority.String(),
	})
}

func (e *Engine) channels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Channels{Channels: e.registry.Channels()})
}

func (e *Engine) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.Stats())
}

func (e *Engine) healthz(w http.ResponseWriter, r *http.Request) {
	if e.closing.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("error", err).Error("could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
