package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/pkg/logger"
	"github.com/quantumliquidity/core/pkg/redis"
)

// Bus topics
// ⭐ SSOT: 버스 토픽 이름은 여기서만 정의
const (
	TopicOrders = "orders"
	TopicFills  = "fills"
)

// orderEvent is the wire form published on the orders topic
type orderEvent struct {
	OrderID      string  `json:"order_id"`
	Status       string  `json:"status"`
	FilledQty    float64 `json:"filled_qty"`
	RemainingQty float64 `json:"remaining_qty"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Reason       string  `json:"reason"`
	TimestampNs  int64   `json:"timestamp_ns"`
}

// fillEvent is the wire form published on the fills topic
type fillEvent struct {
	FillID      string  `json:"fill_id"`
	OrderID     string  `json:"order_id"`
	Instrument  string  `json:"instrument"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Commission  float64 `json:"commission"`
	TimestampNs int64   `json:"timestamp_ns"`
}

type busMessage struct {
	topic   string
	payload interface{}
}

// Publisher fans order and fill events out to the Redis bus from a
// single background worker. Enqueueing never blocks the engine; a full
// queue or an unreachable bus costs events, not trading.
// Publish failures are logged at a bounded rate.
type Publisher struct {
	client *redis.Client
	queue  chan busMessage

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	errLimit *rate.Limiter

	logger *logger.Logger
}

// NewPublisher creates and starts a publisher with the given queue depth
func NewPublisher(client *redis.Client, queueSize int, log *logger.Logger) *Publisher {
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Publisher{
		client: client,
		queue:  make(chan busMessage, queueSize),
		stop:   make(chan struct{}),
		// At most one bus-failure log per 10s, bursting to 5
		errLimit: rate.NewLimiter(rate.Every(10*time.Second), 5),
		logger:   log,
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// PublishOrder enqueues an order update for the orders topic
func (p *Publisher) PublishOrder(update contracts.OrderUpdate) {
	p.enqueue(busMessage{
		topic: TopicOrders,
		payload: orderEvent{
			OrderID:      update.OrderID,
			Status:       string(update.Status),
			FilledQty:    update.FilledQty,
			RemainingQty: update.RemainingQty,
			AvgFillPrice: update.AvgFillPrice,
			Reason:       update.Reason,
			TimestampNs:  update.TimestampNs,
		},
	})
}

// PublishFill enqueues a fill for the fills topic
func (p *Publisher) PublishFill(fill contracts.Fill) {
	p.enqueue(busMessage{
		topic: TopicFills,
		payload: fillEvent{
			FillID:      fill.FillID,
			OrderID:     fill.OrderID,
			Instrument:  fill.Instrument,
			Side:        string(fill.Side),
			Quantity:    fill.Quantity,
			Price:       fill.Price,
			Commission:  fill.Commission,
			TimestampNs: fill.TimestampNs,
		},
	})
}

// Close stops the worker after draining queued events
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

// enqueue adds a message without blocking the caller
func (p *Publisher) enqueue(msg busMessage) {
	if p.client == nil || !p.client.Enabled() {
		return
	}

	select {
	case p.queue <- msg:
	default:
		p.logBounded("Event bus queue full, dropping event", msg.topic)
	}
}

// run drains the queue until stopped
func (p *Publisher) run() {
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.queue:
			p.publish(msg)
		case <-p.stop:
			// Drain what is already queued, then exit
			for {
				select {
				case msg := <-p.queue:
					p.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(msg busMessage) {
	payload, err := json.Marshal(msg.payload)
	if err != nil {
		p.logBounded("Failed to encode bus event: "+err.Error(), msg.topic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, msg.topic, payload); err != nil {
		p.logBounded("Failed to publish bus event: "+err.Error(), msg.topic)
	}
}

// logBounded logs at most a handful of bus errors per window so a dead
// bus cannot flood the log while the engine keeps trading
func (p *Publisher) logBounded(msg, topic string) {
	if !p.errLimit.Allow() {
		return
	}
	p.logger.WithField("topic", topic).Error(msg)
}
