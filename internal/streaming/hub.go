// Package streaming implements the real-time portfolio valuation hub: it
// fans domain events out to per-user WebSocket sessions with bounded
// memory and heartbeat-based liveness.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/r3e-network/investment-core/infrastructure/logging"
	"github.com/r3e-network/investment-core/internal/aggregation"
	"github.com/r3e-network/investment-core/internal/eventbus"
	"github.com/r3e-network/investment-core/internal/store"
)

const (
	defaultQueueSize = 256
	pingPeriod       = 20 * time.Second
	pongTimeout      = 45 * time.Second
)

// FrameType names the kind of payload a Frame carries.
type FrameType string

const (
	FramePortfolioUpdate FrameType = "portfolio_update"
	FramePriceUpdate     FrameType = "price_update"
	FrameChartData       FrameType = "chart_data"
	FrameAlert           FrameType = "alert"
)

// Frame is one typed message sent down a session.
type Frame struct {
	Type      FrameType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Topic names the subscribable channels a client's subscribe control frame
// can name; they're coarser than FrameType (a portfolio topic covers every
// account/holding/order/fill frame).
type Topic string

const (
	TopicPortfolio Topic = "portfolio"
	TopicPrice     Topic = "price"
	TopicChart     Topic = "chart"
	TopicAlert     Topic = "alert"
)

func topicFor(ft FrameType) Topic {
	switch ft {
	case FramePortfolioUpdate:
		return TopicPortfolio
	case FramePriceUpdate:
		return TopicPrice
	case FrameChartData:
		return TopicChart
	case FrameAlert:
		return TopicAlert
	default:
		return ""
	}
}

// defaultTimeframe is used when a client's subscribe/refresh frame omits
// one.
const defaultTimeframe = "1D"

// timeframeWindows maps a client-requested timeframe name to how far back
// chart history is served.
var timeframeWindows = map[string]time.Duration{
	"1D": 24 * time.Hour,
	"1W": 7 * 24 * time.Hour,
	"1M": 30 * 24 * time.Hour,
	"3M": 90 * 24 * time.Hour,
	"1Y": 365 * 24 * time.Hour,
}

func timeframeWindow(timeframe string) time.Duration {
	if d, ok := timeframeWindows[timeframe]; ok {
		return d
	}
	return timeframeWindows[defaultTimeframe]
}

// ChartSeries is the payload of a FrameChartData frame: a symbol's price
// history over the requested timeframe.
type ChartSeries struct {
	Symbol    string             `json:"symbol"`
	Timeframe string             `json:"timeframe"`
	Points    []store.PricePoint `json:"points"`
}

// ControlType names an inbound client control frame.
type ControlType string

const (
	ControlSubscribe ControlType = "subscribe"
	ControlRefresh   ControlType = "refresh"
)

// ControlMessage is the client->server frame shape: subscribe narrows the
// topics (and, for chart topics, the timeframe and symbol) a session
// receives; refresh asks for an immediate chart_data frame without
// changing the subscription.
type ControlMessage struct {
	Type      ControlType `json:"type"`
	Topics    []string    `json:"topics,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	Timeframe string      `json:"timeframe,omitempty"`
}

// Severity is an alert's urgency, used to decide whether a frame may be
// dropped under backpressure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is the payload of a FrameAlert frame.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// isCritical reports whether ft must never be dropped for backpressure.
func isCritical(ft FrameType) bool { return ft == FrameAlert }

// Session is one connected client's outbound frame queue. Transport
// (WebSocket read/write pumps) lives in transport.go; Session only
// owns fan-out and backpressure semantics so it is independently testable.
type Session struct {
	ID     string
	UserID string

	out    chan Frame
	lag    int64
	mu     sync.Mutex
	closed bool
	done   chan struct{}

	// subscription state, mutated by inbound subscribe control frames and
	// read by Hub.route to decide what this session receives. A nil/empty
	// topics set means "no subscribe frame received yet" and defaults to
	// receiving every topic, so a client that never subscribes keeps the
	// pre-subscribe behavior of seeing everything.
	subMu         sync.RWMutex
	topics        map[Topic]bool
	chartSymbol   string
	chartTimeframe string
}

// newSession constructs a Session with a bounded outbound queue.
func newSession(id, userID string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Session{ID: id, UserID: userID, out: make(chan Frame, queueSize), done: make(chan struct{})}
}

// setSubscription narrows the topics this session receives. An empty
// topics slice means "no filter" — every topic is delivered.
func (s *Session) setSubscription(topics []string, symbol, timeframe string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(topics) == 0 {
		s.topics = nil
	} else {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[Topic(t)] = true
		}
	}
	if symbol != "" {
		s.chartSymbol = symbol
	}
	if timeframe != "" {
		s.chartTimeframe = timeframe
	}
}

// wants reports whether this session should receive a frame carrying topic.
func (s *Session) wants(topic Topic) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	if len(s.topics) == 0 {
		return true
	}
	return s.topics[topic]
}

// chartRequest returns the symbol/timeframe this session last subscribed
// or refreshed for.
func (s *Session) chartRequest() (symbol, timeframe string) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.chartSymbol, s.chartTimeframe
}

// Frames is the channel a transport layer drains to write frames to the
// client's socket.
func (s *Session) Frames() <-chan Frame { return s.out }

// Done signals the session was terminated (critical-frame backpressure or
// heartbeat timeout); the transport layer should close the socket.
func (s *Session) Done() <-chan struct{} { return s.done }

// Lag returns the count of non-critical frames dropped for this session.
func (s *Session) Lag() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lag
}

// send enqueues a frame, applying the backpressure policy: non-critical
// frames drop the oldest queued frame to make room; critical frames that
// cannot be admitted terminate the session instead.
func (s *Session) send(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.out <- f:
		return
	default:
	}

	if !isCritical(f.Type) {
		select {
		case <-s.out:
			s.lag++
		default:
		}
		select {
		case s.out <- f:
		default:
		}
		return
	}

	s.terminateLocked()
}

func (s *Session) terminateLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Terminate closes the session; the transport layer should disconnect.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked()
}

// Hub keeps the set of connected sessions per user and routes domain
// events onto the relevant ones.
type Hub struct {
	aggregator *aggregation.Engine
	prices     *store.PriceCache
	logger     *logging.Logger
	queueSize  int

	mu       sync.RWMutex
	sessions map[string]map[string]*Session // userID -> sessionID -> session
}

// Config wires a Hub's dependencies.
type Config struct {
	Aggregator *aggregation.Engine
	Prices     *store.PriceCache
	Logger     *logging.Logger
	QueueSize  int
}

// New constructs a Hub.
func New(cfg Config) *Hub {
	return &Hub{
		aggregator: cfg.Aggregator,
		prices:     cfg.Prices,
		logger:     cfg.Logger,
		queueSize:  cfg.QueueSize,
		sessions:   map[string]map[string]*Session{},
	}
}

// Connect registers a new session for userID and sends an immediate
// snapshot frame (current unified view) before any deltas, per the
// subscribe contract.
func (h *Hub) Connect(ctx context.Context, sessionID, userID string) *Session {
	s := newSession(sessionID, userID, h.queueSize)

	h.mu.Lock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = map[string]*Session{}
	}
	h.sessions[userID][sessionID] = s
	h.mu.Unlock()

	if h.aggregator != nil {
		if view, err := h.aggregator.UnifiedView(ctx, userID); err == nil {
			s.send(Frame{Type: FramePortfolioUpdate, Payload: view, Timestamp: time.Now()})
		}
	}
	return s
}

// Disconnect removes a session from the hub. Safe to call more than once.
func (h *Hub) Disconnect(userID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[userID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.sessions, userID)
		}
	}
}

// Run subscribes to the event bus and fans every relevant event out to the
// matching user's sessions until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe(1024)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			h.route(ev)
		}
	}
}

func (h *Hub) route(ev eventbus.Event) {
	frame, ok := toFrame(ev)
	if !ok {
		return
	}
	topic := topicFor(frame.Type)

	h.mu.RLock()
	sessions := h.sessions[ev.UserID]
	targets := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.wants(topic) {
			continue
		}
		s.send(frame)
	}

	// A price update for a symbol a session is charting refreshes its
	// chart_data frame too, so the line keeps moving without the client
	// having to poll with repeated refresh frames.
	if frame.Type == FramePriceUpdate {
		for _, s := range targets {
			symbol, timeframe := s.chartRequest()
			if symbol == "" || !s.wants(TopicChart) {
				continue
			}
			if cf, ok := h.buildChartFrame(symbol, timeframe); ok {
				s.send(cf)
			}
		}
	}
}

// HandleControl applies an inbound client control frame to sess: subscribe
// narrows delivered topics (and records the chart symbol/timeframe),
// refresh immediately emits a chart_data frame for the requested
// symbol/timeframe without altering the subscription.
func (h *Hub) HandleControl(sess *Session, msg ControlMessage) {
	switch msg.Type {
	case ControlSubscribe:
		timeframe := msg.Timeframe
		if timeframe == "" {
			timeframe = defaultTimeframe
		}
		sess.setSubscription(msg.Topics, msg.Symbol, timeframe)
		if msg.Symbol != "" {
			if cf, ok := h.buildChartFrame(msg.Symbol, timeframe); ok {
				sess.send(cf)
			}
		}
	case ControlRefresh:
		symbol := msg.Symbol
		timeframe := msg.Timeframe
		if symbol == "" {
			symbol, timeframe = sess.chartRequest()
		}
		if timeframe == "" {
			timeframe = defaultTimeframe
		}
		if symbol == "" {
			return
		}
		if cf, ok := h.buildChartFrame(symbol, timeframe); ok {
			sess.send(cf)
		}
	}
}

// buildChartFrame constructs a chart_data frame from the price cache's
// retained history for symbol over the requested timeframe window.
func (h *Hub) buildChartFrame(symbol, timeframe string) (Frame, bool) {
	if h.prices == nil {
		return Frame{}, false
	}
	since := time.Now().Add(-timeframeWindow(timeframe))
	points := h.prices.History(symbol, since)
	return Frame{
		Type: FrameChartData,
		Payload: ChartSeries{
			Symbol:    store.NormalizeSymbol(symbol),
			Timeframe: timeframe,
			Points:    points,
		},
		Timestamp: time.Now(),
	}, true
}

func toFrame(ev eventbus.Event) (Frame, bool) {
	now := time.Now()
	switch ev.Topic {
	case eventbus.TopicAccountUpdated, eventbus.TopicHoldingUpdated, eventbus.TopicOrderUpdated, eventbus.TopicFill:
		return Frame{Type: FramePortfolioUpdate, Payload: ev.Payload, Timestamp: now}, true
	case eventbus.TopicPriceUpdated:
		return Frame{Type: FramePriceUpdate, Payload: ev.Payload, Timestamp: now}, true
	case eventbus.TopicAlert:
		return Frame{Type: FrameAlert, Payload: ev.Payload, Timestamp: now}, true
	default:
		return Frame{}, false
	}
}

// BroadcastAlert sends an alert frame directly to a user's sessions,
// bypassing the event bus, for use by the alert pipeline which already
// holds the fully-formed Alert.
func (h *Hub) BroadcastAlert(userID string, a Alert) {
	h.mu.RLock()
	sessions := h.sessions[userID]
	targets := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	f := Frame{Type: FrameAlert, Payload: a, Timestamp: time.Now()}
	for _, s := range targets {
		s.send(f)
	}
}

// Marshal renders a frame as the wire JSON sent to the client.
func Marshal(f Frame) ([]byte, error) { return json.Marshal(f) }
