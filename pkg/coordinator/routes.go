package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/incident"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/session"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

const maxBodySize = 64 * 1024

// Routes is the public HTTP surface of the hub.
func (h *Hub) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{room}", h.ServeWS)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/incidents", h.listIncidents).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/incidents", h.postIncident).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/sessions/{user}/summary", h.summary).Methods(http.MethodGet)
	return cors(r)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Hub) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, session.Health{Ok: true, Mode: h.Mode(), SfuEnabled: h.relay != nil})
}

func (h *Hub) listIncidents(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	list, err := h.archive.List(r.Context(), room)
	if err != nil {
		h.log.Error().Err(err).Str(logger.RoomField, room).Msg("incident list")
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// postIncident takes an incident from outside of the room connections,
// the body is {tag, level, note, ts, by}.
func (h *Hub) postIncident(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	var body api.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	if body.Tag == "" || body.Level == "" || body.By == "" || body.Ts == 0 {
		writeError(w, http.StatusBadRequest, "missing fields")
		return
	}
	rm, ok := h.Room(room)
	if ok {
		_, ok = rm.get(body.By)
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a room member")
		return
	}
	inc := h.stamp(incident.FromMessage(body))
	ctx, cancel := context.WithTimeout(r.Context(), archiveTimeout)
	defer cancel()
	if err := h.archive.Append(ctx, Record{RoomID: room, Incident: inc}); err != nil {
		h.log.Error().Err(err).Str(logger.RoomField, room).Msg("archive")
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	out := inc.Message()
	out.From = api.ServerID
	h.route(rm, out)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": inc.ID})
}

func (h *Hub) summary(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s, ok := h.rules.Summary(vars["room"], vars["user"])
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail, "ts": time.Now().UnixMilli()})
}
