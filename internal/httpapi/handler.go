package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"qms/attendance-service/internal/attendance"
	"qms/attendance-service/internal/config"
	"qms/attendance-service/internal/worker"

	"go.uber.org/zap"
)

const maxBatchBytes = 1 << 20

type BatchQueue interface {
	Submit(batch attendance.Batch) (string, error)
}

type RoomReader interface {
	Rooms() map[string]attendance.ActiveTicket
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// IngressTokenHash is a bcrypt hash; empty disables ingress auth.
	IngressTokenHash string
}

type Handler struct {
	queue     BatchQueue
	rooms     RoomReader
	db        Pinger
	topo      *config.Topology
	tokenHash []byte
	logger    *zap.Logger
}

type acceptedResponse struct {
	BatchID string `json:"batch_id"`
	Items   int    `json:"items"`
}

type roomResponse struct {
	RoomID   string `json:"room_id"`
	Room     string `json:"room"`
	Branch   string `json:"branch"`
	TicketID string `json:"ticket_id"`
	Text     string `json:"text"`
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queue BatchQueue, rooms RoomReader, db Pinger, topo *config.Topology, options Options, logger *zap.Logger) *Handler {
	h := &Handler{
		queue:  queue,
		rooms:  rooms,
		db:     db,
		topo:   topo,
		logger: logger,
	}
	if options.IngressTokenHash != "" {
		h.tokenHash = []byte(options.IngressTokenHash)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/batches", h.handleBatches)
	mux.HandleFunc("/v1/rooms", h.handleRooms)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleBatches(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.authorized(r) {
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "invalid ingress token")
		return
	}

	var batch attendance.Batch
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBatchBytes))
	if err := decoder.Decode(&batch); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "invalid batch payload")
		return
	}
	batch.Type = strings.TrimSpace(batch.Type)
	if batch.Type == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "type is required")
		return
	}
	if batch.ID == "" {
		batch.ID = requestID
	}

	id, err := h.queue.Submit(batch)
	if err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			h.logger.Warn("batch rejected", zap.String("batch", id), zap.Int("items", len(batch.Items)))
			writeError(w, requestID, http.StatusServiceUnavailable, "queue_full", "batch queue is full")
			return
		}
		h.logger.Error("enqueue batch", zap.Error(err))
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{BatchID: id, Items: len(batch.Items)})
}

func (h *Handler) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, requestIDFromRequest(r), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	branchFilter := strings.TrimSpace(r.URL.Query().Get("branch"))

	active := h.rooms.Rooms()
	out := make([]roomResponse, 0, len(active))
	for roomID, ticket := range active {
		branch, _ := h.topo.BranchForChat(roomID)
		if branchFilter != "" && branch != branchFilter {
			continue
		}
		room, _ := h.topo.Room(roomID)
		out = append(out, roomResponse{
			RoomID:   roomID,
			Room:     room.Name,
			Branch:   branch,
			TicketID: ticket.TicketID,
			Text:     ticket.Text,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
