package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fin-analysis-service/internal/domain"
)

func newBridge(t *testing.T, routes map[string]string) (*httptest.Server, *int32) {
	t.Helper()
	var catalogHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/public/stock_info_a_code_name" {
			atomic.AddInt32(&catalogHits, 1)
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.Error(w, "unknown", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &catalogHits
}

const catalogJSON = `[{"code":"600519","name":"贵州茅台"},{"code":"000001","name":"平安银行"},{"code":"000858","name":"五 粮 液"}]`

func TestResolveSecurity(t *testing.T) {
	srv, hits := newBridge(t, map[string]string{"/api/public/stock_info_a_code_name": catalogJSON})
	c := NewAKShareClient(srv.URL, time.Second)
	ctx := context.Background()

	cases := []struct {
		query    string
		wantCode string
	}{
		{"600519", "600519"},
		{"sh600519", "600519"},
		{"600519.SH", "600519"},
		{"贵州茅台", "600519"},
		{"茅台", "600519"},
		{"五粮液", "000858"},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			got, err := c.ResolveSecurity(ctx, tc.query)
			if err != nil {
				t.Fatalf("ResolveSecurity: %v", err)
			}
			if got.Code != tc.wantCode {
				t.Fatalf("code = %s, want %s", got.Code, tc.wantCode)
			}
		})
	}
	if _, err := c.ResolveSecurity(ctx, "不存在的公司"); !errors.Is(err, domain.ErrTickerNotFound) {
		t.Fatalf("unknown name err = %v", err)
	}
	if _, err := c.ResolveSecurity(ctx, "999999"); !errors.Is(err, domain.ErrTickerNotFound) {
		t.Fatalf("unknown code err = %v", err)
	}
	if n := atomic.LoadInt32(hits); n != 1 {
		t.Fatalf("catalog fetched %d times, want 1", n)
	}
}

func TestResolveSecurity_NameMatching(t *testing.T) {
	srv, _ := newBridge(t, map[string]string{"/api/public/stock_info_a_code_name": `[
		{"code":"000003","name":"  "},
		{"code":"600519","name":"贵州茅台"},
		{"code":"601318","name":"中国平安"},
		{"code":"000001","name":"平安银行"}
	]`})
	c := NewAKShareClient(srv.URL, time.Second)
	ctx := context.Background()

	if _, err := c.ResolveSecurity(ctx, "不存在的公司"); !errors.Is(err, domain.ErrTickerNotFound) {
		t.Fatalf("blank catalog name matched: err = %v", err)
	}
	if got, err := c.ResolveSecurity(ctx, "平安银"); err != nil || got.Code != "000001" {
		t.Fatalf("forward match = %+v, %v", got, err)
	}
	if got, err := c.ResolveSecurity(ctx, "贵州茅台股份"); err != nil || got.Code != "600519" {
		t.Fatalf("reverse match = %+v, %v", got, err)
	}
}

func TestDailyHistory_SortsAndDedups(t *testing.T) {
	srv, _ := newBridge(t, map[string]string{
		"/api/public/stock_zh_a_hist": `[
			{"日期":"2024-01-03T00:00:00.000","收盘":1701.456},
			{"日期":"2024-01-02T00:00:00.000","收盘":1685.01},
			{"日期":"2024-01-03T00:00:00.000","收盘":1701.456}
		]`,
	})
	c := NewAKShareClient(srv.URL, time.Second)
	bars, err := c.DailyHistory(context.Background(), "600519", time.Now().AddDate(0, -1, 0), time.Now())
	if err != nil {
		t.Fatalf("DailyHistory: %v", err)
	}
	if len(bars) != 2 || bars[0].Date != "2024-01-02" || bars[1].Close != 1701.46 {
		t.Fatalf("bars = %+v", bars)
	}
}

func TestDailyHistory_SourceDown(t *testing.T) {
	srv, _ := newBridge(t, map[string]string{})
	c := NewAKShareClient(srv.URL, time.Second)
	c.client.SetRetryCount(0)
	_, err := c.DailyHistory(context.Background(), "600519", time.Now(), time.Now())
	if !errors.Is(err, domain.ErrDataSourceUnavailable) {
		t.Fatalf("err = %v, want ErrDataSourceUnavailable", err)
	}
}

func TestNews_Limit(t *testing.T) {
	srv, _ := newBridge(t, map[string]string{
		"/api/public/stock_news_em": `[
			{"新闻标题":"茅台业绩增长","新闻内容":"利好","发布时间":"2024-05-01 10:00:00","文章来源":"财联社","新闻链接":"http://a"},
			{"新闻标题":"","新闻内容":"skip"},
			{"新闻标题":"机构增持","新闻内容":"看好","发布时间":"2024-05-02 09:00:00","文章来源":"证券时报"},
			{"新闻标题":"第三条","新闻内容":"x","发布时间":"2024-05-03 09:00:00"}
		]`,
	})
	c := NewAKShareClient(srv.URL, time.Second)
	news, err := c.News(context.Background(), "600519", 2)
	if err != nil {
		t.Fatalf("News: %v", err)
	}
	if len(news) != 2 || news[0].Date != "2024-05-01" || news[1].Title != "机构增持" {
		t.Fatalf("news = %+v", news)
	}
}

func TestRateLimit_WaitHonorsDeadline(t *testing.T) {
	srv, _ := newBridge(t, map[string]string{"/api/public/stock_news_em": `[]`})
	c := NewAKShareClient(srv.URL, time.Second, WithRateLimit(1))

	if _, err := c.News(context.Background(), "600519", 5); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.News(ctx, "600519", 5)
	if err == nil || errors.Is(err, domain.ErrDataSourceUnavailable) {
		t.Fatalf("err = %v, want limiter wait failure", err)
	}

	unlimited := NewAKShareClient(srv.URL, time.Second, WithRateLimit(0))
	for i := 0; i < 20; i++ {
		if _, err := unlimited.News(context.Background(), "600519", 5); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}
