package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Hrithick25/smartcollar/internal/models"
	"github.com/Hrithick25/smartcollar/internal/monitor"
	"github.com/Hrithick25/smartcollar/internal/source"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	maxReadingBody = 4 * 1024

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxExportRows       = 10000

	// 入队等待上限，超时说明处理跟不上
	sendTimeout = 2 * time.Second
)

// StatusReader 内存中的会话状态（monitor.Monitor 实现）
type StatusReader interface {
	Status(dogID string) (monitor.DogStatus, bool)
	List() []monitor.DogStatus
}

// EventLister 持久化的事件（repository.HeartRateEventRepository 实现）
type EventLister interface {
	List(ctx context.Context, dogID string, since time.Time, limit int) ([]models.HeartRateEvent, error)
}

// ReadingSender 手动上报的读数入口（source.ChanSource 实现）
type ReadingSender interface {
	Send(ctx context.Context, r models.Reading) error
}

// Handler REST 接口
type Handler struct {
	status   StatusReader
	events   EventLister
	readings ReadingSender
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler events 或 readings 为 nil 时对应接口返回错误
func NewHandler(status StatusReader, events EventLister, readings ReadingSender, logger *zap.Logger) *Handler {
	return &Handler{
		status:   status,
		events:   events,
		readings: readings,
		logger:   logger,
		now:      time.Now,
	}
}

// Health GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"status":    "ok",
		"dogs":      len(h.status.List()),
		"timestamp": h.now().UTC(),
	}))
}

// ListDogs GET /api/v1/dogs
func (h *Handler) ListDogs(w http.ResponseWriter, r *http.Request) {
	list := h.status.List()
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": list,
		"total": len(list),
	}))
}

// GetStatus GET /api/v1/dogs/{dogID}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	dogID := mux.Vars(r)["dogID"]
	st, ok := h.status.Status(dogID)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("dog not monitored: "+dogID))
		return
	}
	writeJSON(w, http.StatusOK, Ok(st))
}

// GetEvents GET /api/v1/dogs/{dogID}/events
// 返回内存中的有界日志（最新在前）
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	dogID := mux.Vars(r)["dogID"]
	st, ok := h.status.Status(dogID)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("dog not monitored: "+dogID))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": st.Log,
		"total": len(st.Log),
	}))
}

// GetEventHistory GET /api/v1/dogs/{dogID}/events/history?limit=&since=
func (h *Handler) GetEventHistory(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("event history is not available"))
		return
	}

	dogID := mux.Vars(r)["dogID"]
	q := r.URL.Query()

	since, err := parseSince(q.Get("since"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}
	limit := parseInt(q.Get("limit"), defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	items, err := h.events.List(r.Context(), dogID, since, limit)
	if err != nil {
		h.logger.Error("Failed to list heart-rate events", zap.String("dog_id", dogID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list events"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

// ExportEvents GET /api/v1/dogs/{dogID}/events/export?since=
func (h *Handler) ExportEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("event history is not available"))
		return
	}

	dogID := mux.Vars(r)["dogID"]
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	items, err := h.events.List(r.Context(), dogID, since, maxExportRows)
	if err != nil {
		h.logger.Error("Failed to list heart-rate events for export", zap.String("dog_id", dogID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list events"))
		return
	}

	excelData, err := GenerateEventsExport(items)
	if err != nil {
		h.logger.Error("Failed to generate events export", zap.String("dog_id", dogID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=heart_rate_events_%s.xlsx", dogID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(excelData)
}

// PostReading POST /api/v1/dogs/{dogID}/readings
// 请求体同项圈上报：{"value": 92, "timestamp": 1726820000000}，也接受纯数字
func (h *Handler) PostReading(w http.ResponseWriter, r *http.Request) {
	if h.readings == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("manual ingest is disabled"))
		return
	}

	dogID := mux.Vars(r)["dogID"]
	body, err := readBody(r, maxReadingBody)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	reading, err := source.DecodePayload(body, h.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid reading payload"))
		return
	}
	reading.DogID = dogID

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	if err := h.readings.Send(ctx, reading); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusServiceUnavailable, Fail("ingest queue is full"))
			return
		}
		h.logger.Error("Failed to queue reading", zap.String("dog_id", dogID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to queue reading"))
		return
	}

	writeJSON(w, http.StatusAccepted, Ok(map[string]any{
		"dog_id":      dogID,
		"received_at": reading.ReceivedAt.UTC(),
	}))
}
