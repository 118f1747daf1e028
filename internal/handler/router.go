package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dealman/internal/middleware"
	"github.com/hitoshi/dealman/internal/repository"
	"github.com/hitoshi/dealman/internal/security"
)

// HealthChecker はヘルスチェック用のDB疎通確認インターフェース。
// *sql.DBがそのまま満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	HealthChecker     HealthChecker

	// 商品管理
	ProductRepo repository.ProductRepository
	PubRepo     repository.PublicationRepository
	Publisher   PublisherInterface
	Guard       security.SSRFGuardService
	Sanitizer   security.NameSanitizerService

	// 自動配信
	Manager ManagerInterface

	// 監視
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit(General)
//
// 配信トリガー（即時実行・手動配信・予約）にはトリガー専用レート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	productHandler := NewProductHandler(deps.ProductRepo, deps.PubRepo, deps.Publisher, deps.Guard, deps.Sanitizer)
	autoPublishHandler := NewAutoPublishHandler(deps.Manager)

	// 監視エンドポイントはレート制限の外に置く
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("db unreachable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		if deps.Logger != nil {
			r.Use(middleware.NewLoggingMiddleware(deps.Logger))
		}
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// 商品管理
		r.Route("/api/products", func(r chi.Router) {
			r.Post("/", productHandler.CreateProduct)
			r.Get("/", productHandler.ListProducts)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", productHandler.GetProduct)
				r.Delete("/", productHandler.DeleteProduct)
				r.Get("/history", productHandler.GetHistory)

				// 配信トリガーにはトリガー専用レート制限を追加
				if deps.RateLimiter != nil {
					r.With(deps.RateLimiter.TriggerMiddleware()).Post("/publish", productHandler.PublishNow)
					r.With(deps.RateLimiter.TriggerMiddleware()).Post("/schedule", productHandler.SchedulePublish)
				} else {
					r.Post("/publish", productHandler.PublishNow)
					r.Post("/schedule", productHandler.SchedulePublish)
				}
			})
		})

		// 自動配信の操作
		r.Route("/api/autopublish", func(r chi.Router) {
			r.Post("/start", autoPublishHandler.Start)
			r.Post("/stop", autoPublishHandler.Stop)
			r.Get("/status", autoPublishHandler.Status)
			r.Get("/log", autoPublishHandler.GetLog)

			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.TriggerMiddleware()).Post("/run", autoPublishHandler.RunNow)
			} else {
				r.Post("/run", autoPublishHandler.RunNow)
			}
		})
	})

	return r
}
