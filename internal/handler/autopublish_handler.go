package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/dealman/internal/model"
)

// ManagerInterface はスケジュールマネージャのインターフェース。
// autopublish.Managerが実装する。
type ManagerInterface interface {
	Start(ctx context.Context, filters model.PublishFilters, channels []string, schedule model.Schedule) (*model.AutoPublishConfig, error)
	Stop(ctx context.Context) (*model.AutoPublishConfig, error)
	Status(ctx context.Context) (*model.AutoPublishConfig, bool, error)
	RunNow(ctx context.Context) (*model.RunLog, error)
}

// AutoPublishHandler は自動配信の操作APIハンドラー。
type AutoPublishHandler struct {
	manager ManagerInterface
}

// NewAutoPublishHandler はAutoPublishHandlerを生成する。
func NewAutoPublishHandler(manager ManagerInterface) *AutoPublishHandler {
	return &AutoPublishHandler{manager: manager}
}

// startRequest は自動配信開始リクエストのボディ。
// 未知のキーはレガシー形状の救済をせず拒否する。
type startRequest struct {
	Filters  model.PublishFilters `json:"filters"`
	Channels []string             `json:"channels"`
	Schedule model.Schedule       `json:"schedule"`
}

// configResponse は自動配信設定のAPIレスポンス。
type configResponse struct {
	Active    bool                 `json:"active"`
	Filters   model.PublishFilters `json:"filters"`
	Channels  []string             `json:"channels"`
	Schedule  model.Schedule       `json:"schedule"`
	NextRunAt *time.Time           `json:"next_run_at,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// statusResponse は状態照会のAPIレスポンス。設定に実行中フラグを加えたもの。
type statusResponse struct {
	configResponse
	Running bool `json:"running"`
}

// Start は自動配信を開始する。
// POST /api/autopublish/start
func (h *AutoPublishHandler) Start(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	var req startRequest
	if err := decoder.Decode(&req); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			writeAPIErrorResponse(w, http.StatusUnprocessableEntity,
				model.NewInvalidFiltersError("未対応の項目が含まれています: "+err.Error()))
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	cfg, err := h.manager.Start(r.Context(), req.Filters, req.Channels, req.Schedule)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toConfigResponse(cfg))
}

// Stop は自動配信を停止する。実行中のジョブは最後まで走る。
// POST /api/autopublish/stop
func (h *AutoPublishHandler) Stop(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.manager.Stop(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toConfigResponse(cfg))
}

// Status は現在の設定と状態を返す。
// GET /api/autopublish/status
func (h *AutoPublishHandler) Status(w http.ResponseWriter, r *http.Request) {
	cfg, running, err := h.manager.Status(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		configResponse: toConfigResponse(cfg),
		Running:        running,
	})
}

// GetLog は直近の実行ログを返す。
// GET /api/autopublish/log
func (h *AutoPublishHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	cfg, _, err := h.manager.Status(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if cfg.LastRun == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "RUN_LOG_NOT_FOUND",
			Message:  "実行ログがまだありません。",
			Category: "publish",
			Action:   "自動配信の実行後に再度お試しください。",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg.LastRun)
}

// RunNow は自動配信を即時に1回実行する。
// 実行中の場合は409を返す（単一実行保証）。
// POST /api/autopublish/run
func (h *AutoPublishHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	runLog, err := h.manager.RunNow(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runLog)
}

func toConfigResponse(cfg *model.AutoPublishConfig) configResponse {
	resp := configResponse{
		Active:    cfg.Active,
		Filters:   cfg.Filters,
		Channels:  cfg.Channels,
		Schedule:  cfg.Schedule,
		NextRunAt: cfg.NextRunAt,
		UpdatedAt: cfg.UpdatedAt,
	}
	if resp.Channels == nil {
		resp.Channels = []string{}
	}
	return resp
}
