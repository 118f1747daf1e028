package autopublish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/dealman/internal/eligibility"
	"github.com/hitoshi/dealman/internal/metrics"
	"github.com/hitoshi/dealman/internal/model"
	"github.com/hitoshi/dealman/internal/pricefeed"
)

// mockProductRepo はテスト用のProductRepositoryモック。
type mockProductRepo struct {
	listBelowReferenceFunc     func(ctx context.Context) ([]*model.Product, error)
	updatePricesFunc           func(ctx context.Context, id string, current, reference, list float64, priceChanged bool, now time.Time) error
	countPriceChangedSinceFunc func(ctx context.Context, since time.Time) (int, error)
}

func (m *mockProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	return nil, nil
}
func (m *mockProductRepo) Create(ctx context.Context, product *model.Product) error { return nil }
func (m *mockProductRepo) Update(ctx context.Context, product *model.Product) error { return nil }
func (m *mockProductRepo) Delete(ctx context.Context, id string) error              { return nil }
func (m *mockProductRepo) List(ctx context.Context) ([]*model.Product, error)       { return nil, nil }
func (m *mockProductRepo) ListBelowReference(ctx context.Context) ([]*model.Product, error) {
	if m.listBelowReferenceFunc != nil {
		return m.listBelowReferenceFunc(ctx)
	}
	return nil, nil
}
func (m *mockProductRepo) ListDueForManualPublish(ctx context.Context, now time.Time) ([]*model.Product, error) {
	return nil, nil
}
func (m *mockProductRepo) UpdatePrices(ctx context.Context, id string, current, reference, list float64, priceChanged bool, now time.Time) error {
	if m.updatePricesFunc != nil {
		return m.updatePricesFunc(ctx, id, current, reference, list, priceChanged, now)
	}
	return nil
}
func (m *mockProductRepo) MarkPublished(ctx context.Context, id string, price float64, at time.Time) error {
	return nil
}
func (m *mockProductRepo) SetPublishRequest(ctx context.Context, id string, dueAt time.Time) error {
	return nil
}
func (m *mockProductRepo) CountPriceChangedSince(ctx context.Context, since time.Time) (int, error) {
	if m.countPriceChangedSinceFunc != nil {
		return m.countPriceChangedSinceFunc(ctx, since)
	}
	return 0, nil
}

// mockConfigRepo は保存された設定を記録するConfigRepositoryモック。
type mockConfigRepo struct {
	mu      sync.Mutex
	getFunc func(ctx context.Context) (*model.AutoPublishConfig, error)
	saved   []*model.AutoPublishConfig
}

func (m *mockConfigRepo) Get(ctx context.Context) (*model.AutoPublishConfig, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx)
	}
	return &model.AutoPublishConfig{}, nil
}
func (m *mockConfigRepo) Save(ctx context.Context, cfg *model.AutoPublishConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, cfg)
	return nil
}
func (m *mockConfigRepo) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// mockFeed は呼び出しを記録するpricefeed.Clientモック。
type mockFeed struct {
	mu        sync.Mutex
	fetchFunc func(ctx context.Context, ids []string) ([]pricefeed.Quote, error)
	calls     [][]string
}

func (m *mockFeed) FetchQuotes(ctx context.Context, ids []string) ([]pricefeed.Quote, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ids)
	m.mu.Unlock()
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, ids)
	}
	// デフォルトでは商品の既存価格をそのまま返す扱い（変動なし）にするため空を返す
	return nil, nil
}

// mockPublisher は配信された商品IDを記録するProductPublisherモック。
type mockPublisher struct {
	mu          sync.Mutex
	publishFunc func(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error)
	published   []string
}

func (m *mockPublisher) Publish(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error) {
	m.mu.Lock()
	m.published = append(m.published, product.ID)
	m.mu.Unlock()
	if m.publishFunc != nil {
		return m.publishFunc(ctx, product, channels)
	}
	return &model.PublicationRecord{
		ProductID:      product.ID,
		PriceAtPublish: product.CurrentPrice,
		Channels:       channels,
	}, nil
}
func (m *mockPublisher) AvailableChannels() []string { return []string{"telegram", "whatsapp"} }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testCollector() metrics.MetricsCollector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

// fastConfig は待機なしのテスト用動作パラメータ。
func fastConfig() CoordinatorConfig {
	return CoordinatorConfig{BatchSize: 10}
}

// candidate は基準価格を下回る未配信の商品を生成する。
func candidate(id string, current, reference float64) *model.Product {
	return &model.Product{
		ID:             id,
		Name:           "テスト商品 " + id,
		AffiliateURL:   "https://marketplace.example.com/dp/" + id,
		CurrentPrice:   current,
		ReferencePrice: reference,
	}
}

func activeConfig() *model.AutoPublishConfig {
	return &model.AutoPublishConfig{
		Filters:  validFilters(),
		Channels: []string{"telegram"},
		Schedule: frequencySchedule(60),
		Active:   true,
	}
}

func newTestCoordinator(productRepo *mockProductRepo, configRepo *mockConfigRepo, feed *mockFeed, pub *mockPublisher) *Coordinator {
	return NewCoordinator(productRepo, configRepo, feed, pub, testCollector(), testLogger(), fastConfig())
}

// 条件を満たす商品が配信され、実行ログと次回実行時刻が保存されることを検証
func TestCoordinator_RunOnce_PublishesEligibleProducts(t *testing.T) {
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{candidate("B001", 800, 1000), candidate("B002", 500, 900)}, nil
		},
	}
	configRepo := &mockConfigRepo{}
	pub := &mockPublisher{}
	c := newTestCoordinator(productRepo, configRepo, &mockFeed{}, pub)

	cfg := activeConfig()
	before := time.Now()
	runLog, err := c.RunOnce(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if runLog.ProductsChecked != 2 {
		t.Errorf("ProductsChecked = %d, want 2", runLog.ProductsChecked)
	}
	if runLog.Eligible != 2 || runLog.Published != 2 {
		t.Errorf("Eligible = %d, Published = %d, want 2, 2", runLog.Eligible, runLog.Published)
	}
	if len(pub.published) != 2 {
		t.Errorf("配信数 = %d, want 2", len(pub.published))
	}
	if len(runLog.PublishedProducts) != 2 {
		t.Errorf("PublishedProducts = %d件, want 2件", len(runLog.PublishedProducts))
	}

	if cfg.LastRun != runLog {
		t.Error("実行ログが設定に保存されるべき")
	}
	if cfg.NextRunAt == nil {
		t.Fatal("ACTIVEな設定では次回実行時刻が計算されるべき")
	}
	if cfg.NextRunAt.Before(before.Add(59 * time.Minute)) {
		t.Errorf("next_run_at = %v, 約60分後であるべき", cfg.NextRunAt)
	}
	if configRepo.savedCount() != 1 {
		t.Errorf("設定の保存回数 = %d, want 1", configRepo.savedCount())
	}
}

// 実行中の重複トリガーが破棄され、2つ目の実行ログが作られないことを検証
func TestCoordinator_RunOnce_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{candidate("B001", 800, 1000)}, nil
		},
	}
	configRepo := &mockConfigRepo{}
	pub := &mockPublisher{
		publishFunc: func(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error) {
			close(started)
			<-release
			return &model.PublicationRecord{ProductID: product.ID, Channels: channels}, nil
		},
	}
	c := newTestCoordinator(productRepo, configRepo, &mockFeed{}, pub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.RunOnce(context.Background(), activeConfig()); err != nil {
			t.Errorf("1回目のRunOnceが失敗: %v", err)
		}
	}()

	<-started
	runLog, err := c.RunOnce(context.Background(), activeConfig())
	if runLog != nil {
		t.Error("破棄されたトリガーは実行ログを作らない")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeRunInProgress {
		t.Errorf("RUN_IN_PROGRESSエラーが返されるべき: %v", err)
	}

	close(release)
	<-done

	if configRepo.savedCount() != 1 {
		t.Errorf("実行ログの保存回数 = %d, want 1（破棄されたトリガーは保存しない）", configRepo.savedCount())
	}
}

// フィードのバッチ取得失敗がそのバッチの商品のみをスキップさせることを検証
func TestCoordinator_RunOnce_FeedBatchFailureSkipsBatch(t *testing.T) {
	products := make([]*model.Product, 15)
	for i := range products {
		products[i] = candidate(string(rune('A'+i))+"000", 800, 1000)
	}
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return products, nil
		},
	}
	callCount := 0
	feed := &mockFeed{
		fetchFunc: func(ctx context.Context, ids []string) ([]pricefeed.Quote, error) {
			callCount++
			if callCount == 1 {
				return nil, errors.New("feed unavailable")
			}
			return nil, nil
		},
	}
	pub := &mockPublisher{}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, feed, pub)

	runLog, err := c.RunOnce(context.Background(), activeConfig())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if runLog.SkippedReasons[SkipFeedBatchFailed] != 10 {
		t.Errorf("フィード失敗によるスキップ = %d, want 10", runLog.SkippedReasons[SkipFeedBatchFailed])
	}
	if runLog.Published != 5 {
		t.Errorf("Published = %d, want 5（2バッチ目の商品は処理継続）", runLog.Published)
	}
}

// 厳格モードでウィンドウ内に価格変動がない場合、実行全体が中断されることを検証
func TestCoordinator_RunOnce_StrictGateAbortsRun(t *testing.T) {
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{candidate("B001", 800, 1000), candidate("B002", 500, 900)}, nil
		},
	}
	pub := &mockPublisher{}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, &mockFeed{}, pub)

	cfg := activeConfig()
	cfg.Filters.RequirePriceChange = true
	cfg.Filters.PriceChangeStrict = true

	runLog, err := c.RunOnce(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if runLog.Published != 0 || runLog.Eligible != 0 {
		t.Errorf("Published = %d, Eligible = %d, want 0, 0", runLog.Published, runLog.Eligible)
	}
	if runLog.SkippedReasons[eligibility.SkipNoRecentPriceChange] != 2 {
		t.Errorf("全件スキップとして報告されるべき: %v", runLog.SkippedReasons)
	}
	if len(pub.published) != 0 {
		t.Error("中断された実行では配信されない")
	}
}

// 参考モードでは価格変動がなくても実行が継続されることを検証
func TestCoordinator_RunOnce_AdvisoryGateProceeds(t *testing.T) {
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{candidate("B001", 800, 1000)}, nil
		},
	}
	pub := &mockPublisher{}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, &mockFeed{}, pub)

	cfg := activeConfig()
	cfg.Filters.RequirePriceChange = true
	cfg.Filters.PriceChangeStrict = false

	runLog, err := c.RunOnce(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if runLog.Published != 1 {
		t.Errorf("Published = %d, want 1（参考モードは中断しない）", runLog.Published)
	}
}

// 厳格モードのゲートが保存済みの変動件数ウィンドウで判定されることを検証
func TestCoordinator_RunOnce_StrictGateUsesStoredChangeCount(t *testing.T) {
	changedAt := time.Now().Add(-time.Hour)
	p := candidate("B001", 800, 1000)
	p.PriceChangedAt = &changedAt

	var gotSince time.Time
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{p}, nil
		},
		countPriceChangedSinceFunc: func(ctx context.Context, since time.Time) (int, error) {
			gotSince = since
			return 1, nil
		},
	}
	pub := &mockPublisher{}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, &mockFeed{}, pub)

	cfg := activeConfig()
	cfg.Filters.RequirePriceChange = true
	cfg.Filters.PriceChangeStrict = true

	runLog, err := c.RunOnce(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if runLog.Published != 1 {
		t.Errorf("Published = %d, want 1（変動ありのため実行継続）", runLog.Published)
	}

	// デフォルトの遡及ウィンドウは24時間
	wantSince := time.Now().Add(-24 * time.Hour)
	if gotSince.Before(wantSince.Add(-time.Minute)) || gotSince.After(wantSince.Add(time.Minute)) {
		t.Errorf("since = %v, want ~%v", gotSince, wantSince)
	}
}

// 変動件数の取得失敗が実行を中断しないことを検証
func TestCoordinator_RunOnce_GateCountFailureDoesNotAbort(t *testing.T) {
	changedAt := time.Now().Add(-time.Hour)
	p := candidate("B001", 800, 1000)
	p.PriceChangedAt = &changedAt

	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{p}, nil
		},
		countPriceChangedSinceFunc: func(ctx context.Context, since time.Time) (int, error) {
			return 0, errors.New("db down")
		},
	}
	pub := &mockPublisher{}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, &mockFeed{}, pub)

	cfg := activeConfig()
	cfg.Filters.RequirePriceChange = true
	cfg.Filters.PriceChangeStrict = true

	runLog, err := c.RunOnce(context.Background(), cfg)
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if runLog.Published != 1 {
		t.Errorf("Published = %d, want 1（集計失敗はゲートを素通りする）", runLog.Published)
	}
}

// スキップ理由が理由別に集計されることを検証
func TestCoordinator_RunOnce_RecordsSkipReasons(t *testing.T) {
	recent := time.Now().Add(-2 * 24 * time.Hour)
	skipped := candidate("B001", 55, 100)
	skipped.LastPublishedAt = &recent
	skipped.LastPublishedPrice = 50

	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{skipped, candidate("B002", 800, 1000)}, nil
		},
	}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, &mockFeed{}, &mockPublisher{})

	runLog, err := c.RunOnce(context.Background(), activeConfig())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if runLog.SkippedReasons[eligibility.SkipRecentlyPublished] != 1 {
		t.Errorf("SkippedReasons = %v, want %q 1件", runLog.SkippedReasons, eligibility.SkipRecentlyPublished)
	}
	if runLog.Published != 1 {
		t.Errorf("Published = %d, want 1", runLog.Published)
	}
}

// 候補取得失敗でもRunOnceはエラーを返さず、実行ログが保存されることを検証
func TestCoordinator_RunOnce_ListFailureAbsorbed(t *testing.T) {
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return nil, errors.New("db down")
		},
	}
	configRepo := &mockConfigRepo{}
	c := newTestCoordinator(productRepo, configRepo, &mockFeed{}, &mockPublisher{})

	runLog, err := c.RunOnce(context.Background(), activeConfig())
	if err != nil {
		t.Fatalf("内部エラーは実行ログに吸収されるべき: %v", err)
	}

	if runLog.ProductsChecked != 0 {
		t.Errorf("ProductsChecked = %d, want 0", runLog.ProductsChecked)
	}
	if configRepo.savedCount() != 1 {
		t.Error("失敗した実行のログも保存されるべき")
	}
}

// 配信失敗が実行を止めず、失敗数として集計されることを検証
func TestCoordinator_RunOnce_PublishFailureCounted(t *testing.T) {
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{candidate("B001", 800, 1000), candidate("B002", 500, 900)}, nil
		},
	}
	pub := &mockPublisher{
		publishFunc: func(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error) {
			if product.ID == "B001" {
				return &model.PublicationRecord{
					ProductID: product.ID,
					Errors:    []model.ChannelError{{Channel: "telegram", Reason: "down"}},
				}, errors.New("all channels failed for product B001")
			}
			return &model.PublicationRecord{ProductID: product.ID, Channels: channels}, nil
		},
	}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, &mockFeed{}, pub)

	runLog, err := c.RunOnce(context.Background(), activeConfig())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if runLog.Failed != 1 || runLog.Published != 1 {
		t.Errorf("Failed = %d, Published = %d, want 1, 1", runLog.Failed, runLog.Published)
	}
}

// フィードの最新価格で判定と記録が行われることを検証
func TestCoordinator_RunOnce_UsesRefreshedPrices(t *testing.T) {
	var updatedPrice float64
	var updatedChanged bool
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{candidate("B001", 950, 1000)}, nil
		},
		updatePricesFunc: func(ctx context.Context, id string, current, reference, list float64, priceChanged bool, now time.Time) error {
			updatedPrice = current
			updatedChanged = priceChanged
			return nil
		},
	}
	feed := &mockFeed{
		fetchFunc: func(ctx context.Context, ids []string) ([]pricefeed.Quote, error) {
			return []pricefeed.Quote{{ProductID: "B001", CurrentPrice: 800, ReferencePrice: 1000, ListPrice: 1200}}, nil
		},
	}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, feed, &mockPublisher{})

	runLog, err := c.RunOnce(context.Background(), activeConfig())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if updatedPrice != 800 || !updatedChanged {
		t.Errorf("UpdatePrices(current=%v, changed=%v), want (800, true)", updatedPrice, updatedChanged)
	}
	if len(runLog.PublishedProducts) != 1 || runLog.PublishedProducts[0].Price != 800 {
		t.Errorf("実行ログには更新後の価格が記録されるべき: %+v", runLog.PublishedProducts)
	}
}

// フィードの画像参照が配信に使う商品へ反映されることを検証
func TestCoordinator_RunOnce_PropagatesFeedImage(t *testing.T) {
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{candidate("B001", 800, 1000)}, nil
		},
	}
	feed := &mockFeed{
		fetchFunc: func(ctx context.Context, ids []string) ([]pricefeed.Quote, error) {
			return []pricefeed.Quote{{
				ProductID:      "B001",
				CurrentPrice:   800,
				ReferencePrice: 1000,
				ImageURL:       "https://img.example.com/B001.jpg",
			}}, nil
		},
	}
	var publishedImage string
	pub := &mockPublisher{
		publishFunc: func(ctx context.Context, product *model.Product, channels []string) (*model.PublicationRecord, error) {
			publishedImage = product.ImageURL
			return &model.PublicationRecord{ProductID: product.ID, Channels: channels}, nil
		},
	}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, feed, pub)

	if _, err := c.RunOnce(context.Background(), activeConfig()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if publishedImage != "https://img.example.com/B001.jpg" {
		t.Errorf("配信商品のImageURL = %q, フィードの画像参照を使うべき", publishedImage)
	}
}

// INACTIVEな設定では次回実行時刻が設定されないことを検証
func TestCoordinator_RunOnce_InactiveDoesNotScheduleNextRun(t *testing.T) {
	configRepo := &mockConfigRepo{}
	c := newTestCoordinator(&mockProductRepo{}, configRepo, &mockFeed{}, &mockPublisher{})

	cfg := activeConfig()
	cfg.Active = false

	if _, err := c.RunOnce(context.Background(), cfg); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if cfg.NextRunAt != nil {
		t.Errorf("INACTIVEな設定のnext_run_at = %v, want nil", cfg.NextRunAt)
	}
}

// 実行ログにタイムスタンプ付きのトレースが残ることを検証
func TestCoordinator_RunOnce_RecordsTrace(t *testing.T) {
	productRepo := &mockProductRepo{
		listBelowReferenceFunc: func(ctx context.Context) ([]*model.Product, error) {
			return []*model.Product{candidate("B001", 800, 1000)}, nil
		},
	}
	c := newTestCoordinator(productRepo, &mockConfigRepo{}, &mockFeed{}, &mockPublisher{})

	runLog, err := c.RunOnce(context.Background(), activeConfig())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(runLog.Trace) == 0 {
		t.Fatal("トレースが記録されるべき")
	}
	if !strings.Contains(runLog.Trace[0], "実行開始") {
		t.Errorf("最初のトレース行 = %q, want 実行開始を含む", runLog.Trace[0])
	}
	for _, line := range runLog.Trace {
		if _, err := time.Parse(time.RFC3339, strings.SplitN(line, " ", 2)[0]); err != nil {
			t.Errorf("トレース行の先頭はRFC 3339のタイムスタンプであるべき: %q", line)
		}
	}
}
