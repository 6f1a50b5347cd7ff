package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"poly-sniper/internal/config"
	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type recordingObserver struct {
	signals   int
	trades    int
	positions int
	metrics   int
	errs      int
}

func (o *recordingObserver) OnSignal(order trade.Order) { o.signals++ }

func (o *recordingObserver) OnTradeExecuted(order trade.Order, result trade.ExecutionResult) {
	o.trades++
}

func (o *recordingObserver) OnPositionUpdated(position trade.Position) { o.positions++ }

func (o *recordingObserver) OnMetricsUpdated(snapshot MetricsSnapshot) { o.metrics++ }

func (o *recordingObserver) OnError(err error) { o.errs++ }

type panickyObserver struct{}

func (panickyObserver) OnSignal(order trade.Order) { panic("boom") }

func (panickyObserver) OnTradeExecuted(order trade.Order, result trade.ExecutionResult) {
	panic("boom")
}

func (panickyObserver) OnPositionUpdated(position trade.Position) { panic("boom") }

func (panickyObserver) OnMetricsUpdated(snapshot MetricsSnapshot) { panic("boom") }

func (panickyObserver) OnError(err error) { panic("boom") }

func TestFanoutIsolatesPanics(t *testing.T) {
	healthy := &recordingObserver{}
	fanout := NewFanout(zap.NewNop(), panickyObserver{}, healthy)

	order, err := trade.NewOrder("tok-1", trade.Buy, decimal.NewFromInt(10), decimal.Decimal{}, trade.GoodTillCancel, "test")
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	fanout.OnSignal(order)
	fanout.OnTradeExecuted(order, trade.ExecutionResult{Status: trade.StatusFilled})
	fanout.OnPositionUpdated(trade.Position{TokenID: "tok-1"})
	fanout.OnMetricsUpdated(MetricsSnapshot{EventsProcessed: 1})
	fanout.OnError(errors.New("engine error"))

	if healthy.signals != 1 || healthy.trades != 1 || healthy.positions != 1 ||
		healthy.metrics != 1 || healthy.errs != 1 {
		t.Fatalf("healthy observer missed events: %+v", healthy)
	}
}

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" || gotPayload["text"] != "hello" {
		t.Fatalf("unexpected payload: %v", gotPayload)
	}
}

func TestTelegramGetUpdates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/getUpdates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("offset") != "7" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":8,"message":{"text":"/status","from":{"id":1,"username":"op"},"chat":{"id":42}}}]}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "42"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	updates, err := client.GetUpdates(context.Background(), 7, 0)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	upd := updates[0]
	if upd.UpdateID != 8 || upd.Message == nil || upd.Message.Text != "/status" {
		t.Fatalf("unexpected update: %+v", upd)
	}
	if upd.Message.Chat == nil || upd.Message.Chat.ID != 42 {
		t.Fatalf("unexpected chat: %+v", upd.Message.Chat)
	}
}
