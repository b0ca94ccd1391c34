package diag

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/room-relay/backend/internal/service/diag"
	"github.com/zhouzirui/room-relay/backend/pkg/utils"
)

// Handler 暴露内存诊断接口
type Handler struct {
	collector *diag.Collector
	log       logrus.FieldLogger
}

// New 创建诊断处理器
func New(collector *diag.Collector, log logrus.FieldLogger) *Handler {
	return &Handler{collector: collector, log: log.WithField("component", "diag-http")}
}

// RegisterRoutes 注册诊断路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/heapdiff", h.heapDiff)
	r.Get("/heapsnapshot", h.heapSnapshot)
	r.Get("/debug/stats", h.streamStats)
}

// heapDiff 返回与上次调用相比的堆变化
func (h *Handler) heapDiff(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.collector.HeapDiff())
}

// heapSnapshot 写入堆快照
func (h *Handler) heapSnapshot(w http.ResponseWriter, r *http.Request) {
	path, err := h.collector.WriteHeapSnapshot()
	if err != nil {
		h.log.WithError(err).Error("heap snapshot failed")
		utils.RespondError(w, http.StatusInternalServerError, "heap snapshot failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"file": path})
}

// streamStats 以SSE推送内存采样
func (h *Handler) streamStats(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	samples, unsubscribe := h.collector.Subscribe()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	if err := utils.SendSSEEvent(w, flusher, "stats", h.collector.Latest()); err != nil {
		h.log.WithError(err).Debug("stats stream closed")
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-samples:
			if err := utils.SendSSEEvent(w, flusher, "stats", s); err != nil {
				h.log.WithError(err).Debug("stats stream closed")
				return
			}
		}
	}
}
