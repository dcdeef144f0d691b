package sim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/comicfans/targetpos-go/pkg/broker"
)

func TestHTTPClientGetQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" || r.URL.Query().Get("symbol") != "SHFE.rb2410" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL)
		}
		json.NewEncoder(w).Encode(quoteDTO{
			AskPrice1: "101", HasAsk: true,
			BidPrice1: "100", HasBid: true,
			LastPrice: "100.5", HasLast: true,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	q, err := c.GetQuote(t.Context(), "SHFE.rb2410")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if !q.HasAsk || !q.AskPrice1.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.HasPreClose {
		t.Fatalf("expected HasPreClose false, got quote: %+v", q)
	}
}

func TestHTTPClientInsertOrderAndCancel(t *testing.T) {
	var insertedVolume int64
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		var req insertOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode insert request: %v", err)
		}
		insertedVolume = req.Volume
		json.NewEncoder(w).Encode(broker.Order{
			OrderID:     req.OrderID,
			Symbol:      req.Symbol,
			Direction:   broker.Direction(req.Direction),
			Offset:      broker.Offset(req.Offset),
			VolumeOrign: req.Volume,
			VolumeLeft:  req.Volume,
			Status:      broker.StatusAlive,
		})
	})
	mux.HandleFunc("/orders/PYSDK_target_abc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	order, err := c.InsertOrder(t.Context(), "acct", "SHFE.rb2410", broker.Buy, broker.OffsetOpen, 3, decimal.NewFromInt(100), "PYSDK_target_abc")
	if err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if order.OrderID != "PYSDK_target_abc" || order.VolumeLeft != 3 {
		t.Fatalf("unexpected order: %+v", order)
	}
	if insertedVolume != 3 {
		t.Fatalf("server observed volume %d, want 3", insertedVolume)
	}

	if err := c.CancelOrder(t.Context(), "acct", "PYSDK_target_abc"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestHTTPClientGetOrderAndPosition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders/xyz", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(broker.Order{OrderID: "xyz", Status: broker.StatusFinished})
	})
	mux.HandleFunc("/position", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "SHFE.rb2410" {
			t.Fatalf("missing symbol query param: %s", r.URL)
		}
		json.NewEncoder(w).Encode(broker.Position{Symbol: "SHFE.rb2410", Pos: 4, PosLong: 4, PosLongHis: 4})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	order, err := c.GetOrder(t.Context(), "acct", "xyz")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != broker.StatusFinished {
		t.Fatalf("unexpected order status: %+v", order)
	}

	pos, err := c.GetPosition(t.Context(), "SHFE.rb2410")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Pos != 4 {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestHTTPClientRespectsRateLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(quoteDTO{})
	}))
	defer srv.Close()

	rl := &RateLimiter{Query: NewTokenBucket(1, 1)}
	c := NewHTTPClient(srv.URL, time.Second, rl)

	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := c.GetQuote(t.Context(), "SHFE.rb2410"); err != nil {
			t.Fatalf("GetQuote call %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("expected the second call to wait for the query bucket to refill, elapsed %s", elapsed)
	}
}
