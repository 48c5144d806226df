package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"knowtifd/internal/config"
	"knowtifd/internal/storage"
	logx "knowtifd/pkg/logx"
)

func (s *Service) routes(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/connect", wrap(s.handleConnect))
	mux.HandleFunc("POST /api/disconnect", wrap(s.handleDisconnect))
	mux.HandleFunc("GET /api/status", wrap(s.handleStatus))

	mux.HandleFunc("GET /api/paused", wrap(s.handlePaused))
	mux.HandleFunc("POST /api/pause/toggle", wrap(s.handleTogglePause))

	mux.HandleFunc("GET /api/history", wrap(s.handleHistory))
	mux.HandleFunc("POST /api/history/markread", wrap(s.handleMarkRead))
	mux.HandleFunc("POST /api/history/markallread", wrap(s.handleMarkAllRead))
	mux.HandleFunc("POST /api/history/delete", wrap(s.handleDelete))
	mux.HandleFunc("POST /api/history/clear", wrap(s.handleClear))

	mux.HandleFunc("GET /api/settings", wrap(s.handleGetSettings))
	mux.HandleFunc("PUT /api/settings", wrap(s.handlePutSettings))

	mux.HandleFunc("POST /api/click", wrap(s.handleClick))
	mux.HandleFunc("POST /api/test", wrap(s.handleTest))

	mux.HandleFunc("GET /api/events", wrap(s.handleEvents))

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// idRequest is the body of every single-entry history operation.
type idRequest struct {
	ID string `json:"id"`
}

func decodeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return "", false
	}
	return req.ID, true
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": s.ctrl.Connect()})
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"connected": s.ctrl.Connected()})
}

func (s *Service) handlePaused(w http.ResponseWriter, r *http.Request) {
	paused, err := s.disp.Paused(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

func (s *Service) handleTogglePause(w http.ResponseWriter, r *http.Request) {
	paused, err := s.disp.TogglePause(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.disp.History(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []storage.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Service) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeID(w, r)
	if !ok {
		return
	}
	if err := s.disp.MarkRead(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.MarkAllRead(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeID(w, r)
	if !ok {
		return
	}
	if err := s.disp.Delete(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

// handlePutSettings replaces the whole settings record. Unknown fields are
// rejected so a typo in a client does not silently drop an option. The save
// path publishes the snapshot, so hot-reload runs before the response.
func (s *Service) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var next config.Settings
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.settings.Save(r.Context(), next); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AlertID string `json:"alertId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AlertID == "" {
		http.Error(w, "missing alertId", http.StatusBadRequest)
		return
	}
	if err := s.disp.ClickThrough(r.Context(), req.AlertID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleTest(w http.ResponseWriter, r *http.Request) {
	s.disp.TestNotification()
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents relays the change signals as server-sent events. A client
// that stops listening just drops off; nothing is buffered for it beyond
// its channel window.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, unsub := s.bus.Subscribe(32)
	defer unsub()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(e.Data)
			if err != nil {
				s.log.Warn("event payload not serializable", logx.Err(err), logx.String("type", e.Type))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
