// Package handler は操作画面向けのHTTP APIハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/security"
)

// PublisherInterface は配信処理のインターフェース。publish.Publisherが実装する。
type PublisherInterface interface {
	Publish(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error)
	AvailableChannels() []string
}

// ProductHandler は商品管理のHTTPハンドラー。
type ProductHandler struct {
	productRepo repository.ProductRepository
	pubRepo     repository.PublicationRepository
	publisher   PublisherInterface
	guard       security.SSRFGuardService
	sanitizer   security.NameSanitizerService
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(
	productRepo repository.ProductRepository,
	pubRepo repository.PublicationRepository,
	publisher PublisherInterface,
	guard security.SSRFGuardService,
	sanitizer security.NameSanitizerService,
) *ProductHandler {
	return &ProductHandler{
		productRepo: productRepo,
		pubRepo:     pubRepo,
		publisher:   publisher,
		guard:       guard,
		sanitizer:   sanitizer,
	}
}

// createProductRequest は商品登録リクエストのボディ。
type createProductRequest struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	AffiliateURL   string  `json:"affiliate_url"`
	ImageURL       string  `json:"image_url"`
	CurrentPrice   float64 `json:"current_price"`
	ReferencePrice float64 `json:"reference_price"`
	ListPrice      float64 `json:"list_price"`
}

// publishRequest は手動配信リクエストのボディ。
type publishRequest struct {
	Channels []string `json:"channels"`
}

// schedulePublishRequest は手動配信予約リクエストのボディ。
type schedulePublishRequest struct {
	DueAt string `json:"due_at"` // RFC 3339
}

// productResponse は商品情報のAPIレスポンス。
type productResponse struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	AffiliateURL       string     `json:"affiliate_url"`
	ImageURL           string     `json:"image_url,omitempty"`
	CurrentPrice       float64    `json:"current_price"`
	ReferencePrice     float64    `json:"reference_price"`
	ListPrice          float64    `json:"list_price,omitempty"`
	LastPublishedPrice float64    `json:"last_published_price,omitempty"`
	LastPublishedAt    *time.Time `json:"last_published_at,omitempty"`
	PriceChangedAt     *time.Time `json:"price_changed_at,omitempty"`
	PublishRequested   bool       `json:"publish_requested"`
	PublishDueAt       *time.Time `json:"publish_due_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// publicationRecordResponse は配信履歴のAPIレスポンス。
type publicationRecordResponse struct {
	ID             string               `json:"id"`
	ProductID      string               `json:"product_id"`
	ProductName    string               `json:"product_name"`
	PriceAtPublish float64              `json:"price_at_publish"`
	PublishedAt    time.Time            `json:"published_at"`
	Channels       []string             `json:"channels"`
	Errors         []model.ChannelError `json:"errors"`
}

// CreateProduct は商品登録を処理する。
// POST /api/products
func (h *ProductHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	if req.ID == "" || req.Name == "" || req.AffiliateURL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidProductError("商品ID、商品名、アフィリエイトURLは必須です"))
		return
	}

	// 操作者入力のURLは登録前にSSRFガードで検証する
	if err := h.guard.ValidateURL(req.AffiliateURL); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidProductError("アフィリエイトURLが不正です: "+err.Error()))
		return
	}
	if req.ImageURL != "" {
		if err := h.guard.ValidateURL(req.ImageURL); err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidProductError("画像URLが不正です: "+err.Error()))
			return
		}
	}

	now := time.Now().UTC()
	product := &model.Product{
		ID:             req.ID,
		Name:           h.sanitizer.Sanitize(req.Name),
		AffiliateURL:   req.AffiliateURL,
		ImageURL:       req.ImageURL,
		CurrentPrice:   req.CurrentPrice,
		ReferencePrice: req.ReferencePrice,
		ListPrice:      req.ListPrice,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.productRepo.Create(r.Context(), product); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toProductResponse(product))
}

// ListProducts は商品一覧を取得する。
// GET /api/products
func (h *ProductHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.productRepo.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, toProductResponse(p))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetProduct は商品詳細を取得する。
// GET /api/products/{id}
func (h *ProductHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	product, err := h.productRepo.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if product == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProductNotFoundError(id))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toProductResponse(product))
}

// DeleteProduct は商品を削除する。
// DELETE /api/products/{id}
func (h *ProductHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	product, err := h.productRepo.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if product == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProductNotFoundError(id))
		return
	}

	if err := h.productRepo.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetHistory は商品の配信履歴を新しい順に取得する。
// GET /api/products/{id}/history
func (h *ProductHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	product, err := h.productRepo.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if product == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProductNotFoundError(id))
		return
	}

	records, err := h.pubRepo.ListByProduct(r.Context(), id, 50)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]publicationRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toPublicationRecordResponse(rec))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// PublishNow は1商品を即時に手動配信する。
// POST /api/products/{id}/publish
func (h *ProductHandler) PublishNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	product, err := h.productRepo.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if product == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProductNotFoundError(id))
		return
	}

	var req publishRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
			return
		}
	}
	channels := req.Channels
	if len(channels) == 0 {
		channels = h.publisher.AvailableChannels()
	}

	record, err := h.publisher.Publish(r.Context(), product, channels)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewPublishFailedError(id))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toPublicationRecordResponse(record))
}

// SchedulePublish は1商品の手動配信を予約する。
// POST /api/products/{id}/schedule
func (h *ProductHandler) SchedulePublish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	product, err := h.productRepo.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if product == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProductNotFoundError(id))
		return
	}

	var req schedulePublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	dueAt, err := time.Parse(time.RFC3339, req.DueAt)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidDueAtError("RFC 3339形式で指定してください: "+req.DueAt))
		return
	}
	if !dueAt.After(time.Now()) {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidDueAtError("過去の時刻は指定できません"))
		return
	}

	if err := h.productRepo.SetPublishRequest(r.Context(), id, dueAt.UTC()); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"product_id": id,
		"due_at":     dueAt.UTC(),
	})
}

// --- ヘルパー関数 ---

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:                 p.ID,
		Name:               p.Name,
		AffiliateURL:       p.AffiliateURL,
		ImageURL:           p.ImageURL,
		CurrentPrice:       p.CurrentPrice,
		ReferencePrice:     p.ReferencePrice,
		ListPrice:          p.ListPrice,
		LastPublishedPrice: p.LastPublishedPrice,
		LastPublishedAt:    p.LastPublishedAt,
		PriceChangedAt:     p.PriceChangedAt,
		PublishRequested:   p.PublishRequested,
		PublishDueAt:       p.PublishDueAt,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func toPublicationRecordResponse(rec *model.PublicationRecord) publicationRecordResponse {
	resp := publicationRecordResponse{
		ID:             rec.ID,
		ProductID:      rec.ProductID,
		ProductName:    rec.ProductName,
		PriceAtPublish: rec.PriceAtPublish,
		PublishedAt:    rec.PublishedAt,
		Channels:       rec.Channels,
		Errors:         rec.Errors,
	}
	if resp.Channels == nil {
		resp.Channels = []string{}
	}
	if resp.Errors == nil {
		resp.Errors = []model.ChannelError{}
	}
	return resp
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

func invalidRequestBodyError() *model.APIError {
	return &model.APIError{
		Code:     model.ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidProduct, model.ErrCodeInvalidDueAt:
		return http.StatusBadRequest
	case model.ErrCodeInvalidFilters, model.ErrCodeInvalidSchedule, model.ErrCodeInvalidChannels:
		return http.StatusUnprocessableEntity
	case model.ErrCodeProductNotFound:
		return http.StatusNotFound
	case model.ErrCodeProductExists, model.ErrCodeRunInProgress:
		return http.StatusConflict
	case model.ErrCodePublishFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
