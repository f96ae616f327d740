package streaming

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/investment-core/internal/eventbus"
	"github.com/r3e-network/investment-core/internal/store"
)

func TestSession_NonCriticalFrameDropsOldestOnFullQueue(t *testing.T) {
	s := newSession("sess-1", "user-1", 2)
	s.send(Frame{Type: FramePriceUpdate, Payload: 1})
	s.send(Frame{Type: FramePriceUpdate, Payload: 2})
	s.send(Frame{Type: FramePriceUpdate, Payload: 3}) // queue full: drop payload 1

	if got := s.Lag(); got != 1 {
		t.Errorf("Lag() = %d, want 1", got)
	}

	first := <-s.Frames()
	if first.Payload != 2 {
		t.Errorf("first queued frame payload = %v, want 2 (oldest dropped)", first.Payload)
	}
}

func TestSession_CriticalFrameTerminatesWhenQueueFull(t *testing.T) {
	s := newSession("sess-1", "user-1", 1)
	s.send(Frame{Type: FramePriceUpdate, Payload: 1})
	s.send(Frame{Type: FrameAlert, Payload: Alert{ID: "a1", Severity: SeverityCritical}})

	select {
	case <-s.Done():
	default:
		t.Error("session should be terminated when a critical frame cannot be admitted")
	}
}

func TestSession_CriticalFrameAdmittedWhenRoom(t *testing.T) {
	s := newSession("sess-1", "user-1", 2)
	s.send(Frame{Type: FrameAlert, Payload: Alert{ID: "a1"}})

	select {
	case <-s.Done():
		t.Error("session should not terminate when the queue has room")
	default:
	}
	if s.Lag() != 0 {
		t.Errorf("Lag() = %d, want 0", s.Lag())
	}
}

func TestHub_RouteDeliversOnlyToMatchingUser(t *testing.T) {
	h := New(Config{QueueSize: 4})
	h.mu.Lock()
	h.sessions["user-1"] = map[string]*Session{"s1": newSession("s1", "user-1", 4)}
	h.sessions["user-2"] = map[string]*Session{"s2": newSession("s2", "user-2", 4)}
	h.mu.Unlock()

	h.route(eventbus.Event{Topic: eventbus.TopicPriceUpdated, UserID: "user-1", Payload: map[string]string{"AAPL": "150"}})

	s1 := h.sessions["user-1"]["s1"]
	select {
	case f := <-s1.Frames():
		if f.Type != FramePriceUpdate {
			t.Errorf("frame type = %v, want price_update", f.Type)
		}
	default:
		t.Error("expected user-1's session to receive the routed frame")
	}

	s2 := h.sessions["user-2"]["s2"]
	select {
	case <-s2.Frames():
		t.Error("user-2's session should not receive a frame scoped to user-1")
	default:
	}
}

func TestSession_SubscribeNarrowsDeliveredTopics(t *testing.T) {
	h := New(Config{QueueSize: 4})
	h.mu.Lock()
	s := newSession("s1", "user-1", 4)
	h.sessions["user-1"] = map[string]*Session{"s1": s}
	h.mu.Unlock()

	h.HandleControl(s, ControlMessage{Type: ControlSubscribe, Topics: []string{"portfolio"}})

	h.route(eventbus.Event{Topic: eventbus.TopicPriceUpdated, UserID: "user-1", Payload: map[string]string{"AAPL": "150"}})
	select {
	case f := <-s.Frames():
		t.Errorf("session subscribed to portfolio only, got unexpected frame %v", f.Type)
	default:
	}

	h.route(eventbus.Event{Topic: eventbus.TopicFill, UserID: "user-1", Payload: nil})
	select {
	case f := <-s.Frames():
		if f.Type != FramePortfolioUpdate {
			t.Errorf("frame type = %v, want portfolio_update", f.Type)
		}
	default:
		t.Error("expected the subscribed portfolio topic to be delivered")
	}
}

func TestHub_RefreshEmitsChartData(t *testing.T) {
	prices := store.NewPriceCache()
	prices.Set("AAPL", decimal.NewFromInt(150))

	h := New(Config{QueueSize: 4, Prices: prices})
	h.mu.Lock()
	s := newSession("s1", "user-1", 4)
	h.sessions["user-1"] = map[string]*Session{"s1": s}
	h.mu.Unlock()

	h.HandleControl(s, ControlMessage{Type: ControlRefresh, Symbol: "AAPL", Timeframe: "1D"})

	select {
	case f := <-s.Frames():
		if f.Type != FrameChartData {
			t.Fatalf("frame type = %v, want chart_data", f.Type)
		}
		series, ok := f.Payload.(ChartSeries)
		if !ok {
			t.Fatalf("payload type = %T, want ChartSeries", f.Payload)
		}
		if series.Symbol != "AAPL" || len(series.Points) == 0 {
			t.Errorf("series = %+v, want AAPL with at least one point", series)
		}
	default:
		t.Fatal("expected a chart_data frame after refresh")
	}
}

func TestHub_SubscribeWithSymbolSendsInitialChartData(t *testing.T) {
	prices := store.NewPriceCache()
	prices.Set("MSFT", decimal.NewFromInt(300))

	h := New(Config{QueueSize: 4, Prices: prices})
	s := newSession("s1", "user-1", 4)

	h.HandleControl(s, ControlMessage{Type: ControlSubscribe, Topics: []string{"chart"}, Symbol: "MSFT", Timeframe: "1W"})

	select {
	case f := <-s.Frames():
		if f.Type != FrameChartData {
			t.Fatalf("frame type = %v, want chart_data", f.Type)
		}
	default:
		t.Fatal("expected an initial chart_data frame on subscribe with a symbol")
	}
}

func TestPriceCache_HistoryFiltersBySince(t *testing.T) {
	c := store.NewPriceCache()
	c.Set("AAPL", decimal.NewFromInt(100))

	recent := c.History("AAPL", time.Now().Add(-time.Minute))
	if len(recent) != 1 {
		t.Errorf("len(History) = %d, want 1", len(recent))
	}

	future := c.History("AAPL", time.Now().Add(time.Hour))
	if len(future) != 0 {
		t.Errorf("len(History) with a since in the future = %d, want 0", len(future))
	}
}
