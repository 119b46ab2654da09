package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"afteryou/internal/models"
	"afteryou/internal/services/realtime"

	"github.com/gorilla/mux"
	"github.com/rivo/uniseg"
	"github.com/rs/zerolog"
)

// maxCaptureBody bounds a posted snapshot.
const maxCaptureBody = 64 << 10

// Handler serves the REST view of the gateway tree.
type Handler struct {
	store    TreeStore
	sessions SessionCounter
	queue    QueueReporter
	ws       http.HandlerFunc
	now      func() time.Time
	logger   zerolog.Logger
}

func NewHandler(store TreeStore, sessions SessionCounter, queue QueueReporter, ws http.HandlerFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		sessions: sessions,
		queue:    queue,
		ws:       ws,
		now:      time.Now,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

type paperResponse struct {
	Paper       models.Paper              `json:"paper"`
	Typing      *models.TypingStatus      `json:"typing"`
	CurrentLine *models.CurrentLineBuffer `json:"currentLine"`
	WordCount   int                       `json:"wordCount"`
}

type presenceResponse struct {
	Count int                     `json:"count"`
	Users []models.PresenceEntry `json:"users"`
}

type statsResponse struct {
	Sessions     int `json:"sessions"`
	ActiveUsers  int `json:"activeUsers"`
	Snapshots    int `json:"snapshots"`
	PersistQueue int `json:"persistQueue"`
}

type captureRequest struct {
	Lines []models.Line `json:"lines"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	presence, err := h.store.Get(ctx, models.PathPresence)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	snapshots, err := h.store.Get(ctx, models.PathSnapshots)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	stats := statsResponse{
		ActiveUsers: models.CountChildren(presence),
		Snapshots:   models.CountChildren(snapshots),
	}
	if h.sessions != nil {
		stats.Sessions = h.sessions.SessionCount()
	}
	if h.queue != nil {
		stats.PersistQueue = h.queue.GetQueueLength()
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) GetPaper(w http.ResponseWriter, r *http.Request) {
	raw, err := h.store.Get(r.Context(), models.PathPaper)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	var parts struct {
		Typing      json.RawMessage `json:"typing"`
		CurrentLine json.RawMessage `json:"currentLine"`
	}
	if raw != nil {
		json.Unmarshal(raw, &parts)
	}

	paper, _ := models.DecodePaper(raw)
	respondJSON(w, http.StatusOK, paperResponse{
		Paper:       paper,
		Typing:      models.DecodeTypingStatus(parts.Typing),
		CurrentLine: models.DecodeCurrentLine(parts.CurrentLine),
		WordCount:   models.WordCount(paper.Lines, ""),
	})
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	raw, err := h.store.Get(r.Context(), models.PathPresence)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	resp := presenceResponse{Users: []models.PresenceEntry{}}
	if raw != nil {
		var entries map[string]models.PresenceEntry
		if err := json.Unmarshal(raw, &entries); err == nil {
			for uid, e := range entries {
				if e.UserID == "" {
					e.UserID = uid
				}
				resp.Users = append(resp.Users, e)
			}
		}
	}
	resp.Count = len(resp.Users)
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("color")
	switch filter {
	case "", models.FilterAll, string(models.InkBlack), string(models.InkRed):
	default:
		h.respondError(w, r, http.StatusBadRequest, errors.New("color must be black, red or all"))
		return
	}

	raw, err := h.store.Get(r.Context(), models.PathSnapshots)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	snaps := models.FilterSnapshots(models.DecodeSnapshots(raw), filter)
	respondJSON(w, http.StatusOK, map[string]any{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	raw, err := h.store.Get(r.Context(), models.SnapshotPath(id))
	if errors.Is(err, realtime.ErrInvalidPath) {
		h.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	if raw == nil {
		h.respondError(w, r, http.StatusNotFound, errors.New("snapshot not found"))
		return
	}

	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		h.respondError(w, r, http.StatusNotFound, errors.New("snapshot is malformed"))
		return
	}
	if snap.ID == "" {
		snap.ID = id
	}
	respondJSON(w, http.StatusOK, snap)
}

// CaptureSnapshot stores the posted lines, or the current paper when the
// body has none.
func (h *Handler) CaptureSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req captureRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxCaptureBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.respondError(w, r, http.StatusRequestEntityTooLarge, err)
				return
			}
			h.respondError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	for i, l := range req.Lines {
		if uniseg.GraphemeClusterCount(l.Text) > models.CharsPerLine {
			h.respondError(w, r, http.StatusBadRequest, fmt.Errorf("line %d is longer than %d characters", i+1, models.CharsPerLine))
			return
		}
	}

	lines := req.Lines
	if len(lines) == 0 {
		raw, err := h.store.Get(ctx, models.PathPaper)
		if err != nil {
			h.respondError(w, r, http.StatusInternalServerError, err)
			return
		}
		paper, _ := models.DecodePaper(raw)
		lines = paper.Lines
	}
	if len(lines) == 0 {
		h.respondError(w, r, http.StatusBadRequest, errors.New("nothing to capture"))
		return
	}
	for i := range lines {
		lines[i].Color = lines[i].Color.OrDefault()
	}

	snap := models.NewSnapshot(lines, models.EpochMillis(h.now()))
	value, err := json.Marshal(snap)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	if err := h.store.Set(ctx, models.SnapshotPath(snap.ID), value); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, snap)
}

// DeleteSnapshot has no ownership check: any client may delete any snapshot.
func (h *Handler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := h.store.Remove(r.Context(), models.SnapshotPath(id))
	if errors.Is(err, realtime.ErrInvalidPath) {
		h.respondError(w, r, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.ws == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, errors.New("websocket gateway disabled"))
		return
	}
	h.ws(w, r)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
