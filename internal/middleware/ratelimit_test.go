package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// testRateLimiterConfig はテスト用の小さなレート制限設定を返す。
func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(1), // 1 req/sec
		GeneralBurst:    2,
		TriggerRate:     rate.Limit(1),
		TriggerBurst:    1,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.RemoteAddr = addr
	return req
}

// バースト以内のリクエストが通過することを検証
func TestRateLimiter_General_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("192.0.2.1:51234"))
		if w.Code != http.StatusOK {
			t.Fatalf("%d回目のリクエストが拒否された: status = %d", i+1, w.Code)
		}
	}
}

// バースト超過のリクエストが429で拒否されることを検証
func TestRateLimiter_General_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("192.0.2.1:51234"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("192.0.2.1:51234"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-Afterヘッダーが設定されるべき")
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %q, want %q", body["code"], "rate_limit_exceeded")
	}
}

// 接続元IPごとに独立したリミッターが使われることを検証
func TestRateLimiter_General_PerClientIsolation(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// クライアント1のバーストを使い切る
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("192.0.2.1:51234"))
	}

	// クライアント2は影響を受けない
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("192.0.2.2:51234"))
	if w.Code != http.StatusOK {
		t.Errorf("別クライアントのリクエストが拒否された: status = %d", w.Code)
	}

	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("リミッターのエントリ数 = %d, want 2", rl.GeneralLimiterCount())
	}
}

// 同一IPの異なるポートが同じリミッターにまとめられることを検証
func TestRateLimiter_SamePortlessKey(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("192.0.2.1:51234"))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("192.0.2.1:60000"))

	if rl.GeneralLimiterCount() != 1 {
		t.Errorf("リミッターのエントリ数 = %d, want 1（IP単位）", rl.GeneralLimiterCount())
	}
}

// 配信トリガーのレート制限がAPI全般とは独立に動作することを検証
func TestRateLimiter_Trigger_IndependentOfGeneral(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	trigger := rl.TriggerMiddleware()(okHandler())
	general := rl.GeneralMiddleware()(okHandler())

	// トリガーのバースト（1）を使い切る
	w := httptest.NewRecorder()
	trigger.ServeHTTP(w, requestFrom("192.0.2.1:51234"))
	if w.Code != http.StatusOK {
		t.Fatalf("1回目のトリガーが拒否された: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	trigger.ServeHTTP(w, requestFrom("192.0.2.1:51234"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("トリガーの2回目 status = %d, want 429", w.Code)
	}

	// API全般の制限には影響しない
	w = httptest.NewRecorder()
	general.ServeHTTP(w, requestFrom("192.0.2.1:51234"))
	if w.Code != http.StatusOK {
		t.Errorf("トリガー制限がAPI全般に影響した: status = %d", w.Code)
	}
}

// 期限切れエントリのクリーンアップを検証
func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	config := testRateLimiterConfig()
	config.CleanupInterval = 10 * time.Millisecond
	rl := NewRateLimiter(config)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("192.0.2.1:51234"))

	if rl.GeneralLimiterCount() != 1 {
		t.Fatalf("リミッターのエントリ数 = %d, want 1", rl.GeneralLimiterCount())
	}

	// TTL（CleanupIntervalの2倍）を超えるまで待つ
	deadline := time.Now().Add(time.Second)
	for rl.GeneralLimiterCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("期限切れエントリが削除されていない: エントリ数 = %d", rl.GeneralLimiterCount())
	}
}
