package publisher

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
)

// rebindWindow is how long publishes count as failures after a listener
// error before a rebind attempt.
const rebindWindow = 5 * time.Second

// subscriber is one downstream TCP peer with a bounded send queue.
// Queue drops are counted in Metrics, shared by all publish goroutines.
type subscriber struct {
	conn   net.Conn
	queue  chan []byte
	closed chan struct{}
}

// Publisher is the TCP fan-out tick bus.
type Publisher struct {
	cfg     config.PublisherConfig
	log     zerolog.Logger
	metrics *Metrics

	mu          sync.Mutex
	listener    net.Listener
	subscribers map[string]*subscriber
	running     bool
	rebindUntil time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a tick publisher.
func New(cfg config.PublisherConfig, log zerolog.Logger) *Publisher {
	return &Publisher{
		cfg:         cfg,
		log:         log.With().Str("component", "tick_publisher").Logger(),
		metrics:     NewMetrics(),
		subscribers: make(map[string]*subscriber),
	}
}

// Start binds the listener and begins accepting subscribers.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return domain.NewError(domain.ErrAlreadyRunning, "publisher already running")
	}
	if !p.cfg.Enabled {
		p.log.Warn().Msg("Tick publisher disabled by configuration")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.BindAddress, p.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return domain.WrapError(domain.ErrInitFailed, err, "publisher bind failed")
	}
	p.listener = listener
	p.running = true
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.acceptLoop()

	p.log.Info().Str("addr", addr).Str("mode", p.cfg.PerformanceMode).Msg("Tick publisher listening")
	return nil
}

// Stop closes the listener and every subscriber connection.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
	subs := make([]*subscriber, 0, len(p.subscribers))
	for _, sub := range p.subscribers {
		subs = append(subs, sub)
	}
	p.subscribers = make(map[string]*subscriber)
	p.mu.Unlock()

	for _, sub := range subs {
		_ = sub.conn.Close()
	}
	p.wg.Wait()
	p.log.Info().Msg("Tick publisher stopped")
}

// Addr returns the bound listener address, or empty when not listening.
func (p *Publisher) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// SubscriberCount returns the current downstream peer count.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Metrics returns the current metrics report.
func (p *Publisher) Metrics() Report {
	return p.metrics.Snapshot()
}

// Grade validates the current report against the configured performance
// mode.
func (p *Publisher) Grade() Grade {
	return Validate(p.metrics.Snapshot(), ThresholdsFor(p.cfg.PerformanceMode), p.log)
}

// PublishTick implements the supervisor's TickSink. Never blocks the tick
// path: saturated subscriber queues drop the newest message and count it.
func (p *Publisher) PublishTick(gatewayID string, tick *domain.Tick) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	if p.listener == nil || time.Now().Before(p.rebindUntil) {
		p.mu.Unlock()
		p.metrics.RecordFailure()
		return
	}
	subs := make([]*subscriber, 0, len(p.subscribers))
	for _, sub := range p.subscribers {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	started := time.Now()
	message, err := EncodeFrames(topicFor(tick), NewTickPayload(tick, started))
	serialization := time.Since(started)
	if err != nil {
		p.metrics.RecordFailure()
		p.log.Error().Err(err).Str("gateway", gatewayID).Msg("Tick encode failed")
		return
	}

	for _, sub := range subs {
		select {
		case sub.queue <- message:
		default:
			p.metrics.RecordQueueDrop()
		}
	}
	p.metrics.RecordPublish(serialization)
}

// topicFor picks the topic frame: the vendor identifier when present.
func topicFor(tick *domain.Tick) string {
	if tick.VtSymbol != "" {
		return tick.VtSymbol
	}
	return tick.Symbol
}

// acceptLoop accepts subscribers until Stop. Listener errors open a
// rebind window during which publishes fail fast.
func (p *Publisher) acceptLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		listener := p.listener
		p.mu.Unlock()
		if listener == nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-p.stopChan:
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed") {
				return
			}
			p.log.Warn().Err(err).Msg("Listener error, entering rebind window")
			if !p.rebind() {
				return
			}
			continue
		}
		p.attach(conn)
	}
}

// rebind closes the listener, waits out the rebind window and binds
// again. Returns false when the publisher stopped meanwhile.
func (p *Publisher) rebind() bool {
	p.mu.Lock()
	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
	p.rebindUntil = time.Now().Add(rebindWindow)
	p.mu.Unlock()

	select {
	case <-time.After(rebindWindow):
	case <-p.stopChan:
		return false
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.BindAddress, p.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		p.log.Error().Err(err).Msg("Publisher rebind failed")
		return false
	}

	p.mu.Lock()
	p.listener = listener
	p.rebindUntil = time.Time{}
	p.mu.Unlock()
	p.log.Info().Str("addr", addr).Msg("Publisher rebound")
	return true
}

// attach registers a subscriber and starts its writer goroutine.
func (p *Publisher) attach(conn net.Conn) {
	sub := &subscriber{
		conn:   conn,
		queue:  make(chan []byte, p.cfg.QueueSize),
		closed: make(chan struct{}),
	}
	key := conn.RemoteAddr().String()

	p.mu.Lock()
	p.subscribers[key] = sub
	p.mu.Unlock()
	p.log.Info().Str("peer", key).Msg("Subscriber attached")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.writeLoop(key, sub)
	}()
}

// writeLoop drains one subscriber's queue. A write error detaches the
// subscriber without touching the tick path.
func (p *Publisher) writeLoop(key string, sub *subscriber) {
	defer func() {
		_ = sub.conn.Close()
		p.mu.Lock()
		delete(p.subscribers, key)
		p.mu.Unlock()
	}()

	for {
		select {
		case <-p.stopChan:
			return
		case message := <-sub.queue:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := sub.conn.Write(message); err != nil {
				p.log.Warn().Err(err).Str("peer", key).Msg("Subscriber write failed, detaching")
				return
			}
		}
	}
}
