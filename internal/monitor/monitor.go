package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/zecs/internal/core/events/bus"
	"github.com/zeusync/zecs/internal/core/observability/log"
	"github.com/zeusync/zecs/pkg/ecs"
)

var (
	ErrMonitorAlreadyRunning = errors.New("monitor already running")
	ErrMonitorNotRunning     = errors.New("monitor not running")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config holds monitor configuration
type Config struct {
	Addr     string
	Interval time.Duration
	// WriteTimeout bounds one snapshot write to a client.
	WriteTimeout time.Duration
}

// DefaultConfig returns default monitor configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8090",
		Interval:     time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Snapshot is the message pushed to every client.
type Snapshot struct {
	Time     time.Time           `json:"time"`
	World    ecs.WorldStats      `json:"world"`
	Schedule ecs.ScheduleStats   `json:"schedule"`
	Systems  []ecs.SystemMetrics `json:"systems"`
	Faults   uint64              `json:"faults"`
	// LastFault is the message of the most recent fault seen on the bus.
	LastFault string `json:"last_fault,omitempty"`
}

// Monitor streams world and schedule statistics over websocket.
type Monitor struct {
	cfg    Config
	world  *ecs.World
	sched  *ecs.Schedule
	events bus.EventBus
	logger log.Log

	faults    atomic.Uint64
	lastFault atomic.Pointer[string]
	sub       bus.Subscription

	server   *http.Server
	listener net.Listener

	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	stopping bool

	running     int32 // atomic bool
	stopChan    chan struct{}
	workerGroup sync.WaitGroup
}

// New creates a monitor. sched and events may be nil.
func New(cfg Config, world *ecs.World, sched *ecs.Schedule, events bus.EventBus, logger log.Log) *Monitor {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Monitor{
		cfg:     cfg,
		world:   world,
		sched:   sched,
		events:  events,
		logger:  logger.With(log.String("component", "monitor")),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Snapshot collects the current statistics.
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{
		Time:   time.Now(),
		World:  m.world.Stats(),
		Faults: m.faults.Load(),
	}
	if p := m.lastFault.Load(); p != nil {
		snap.LastFault = *p
	}
	systems := m.world.Systems()
	if m.sched != nil {
		snap.Schedule = m.sched.Stats()
		systems = m.sched.Systems()
	}
	snap.Systems = make([]ecs.SystemMetrics, 0, len(systems))
	for _, s := range systems {
		snap.Systems = append(snap.Systems, s.Metrics())
	}
	return snap
}

// Start subscribes to fault events and serves /ws on the configured address.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return ErrMonitorAlreadyRunning
	}

	if m.events != nil {
		sub, err := m.events.Subscribe(ecs.EventSystemFault, m.onFault)
		if err != nil {
			atomic.StoreInt32(&m.running, 0)
			return err
		}
		m.sub = sub
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", m.cfg.Addr)
	if err != nil {
		atomic.StoreInt32(&m.running, 0)
		if m.events != nil {
			_ = m.events.Unsubscribe(m.sub)
		}
		m.logger.Error("Failed to create listener", log.Error(err))
		return err
	}
	m.listener = listener
	m.stopChan = make(chan struct{})
	m.mu.Lock()
	m.stopping = false
	m.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/ws", m)
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	m.workerGroup.Add(1)
	go func() {
		defer m.workerGroup.Done()
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Monitor server failed", log.Error(err))
		}
	}()

	m.logger.Info("Monitor listening",
		log.String("addr", listener.Addr().String()),
		log.Duration("interval", m.cfg.Interval))
	return nil
}

// Addr is the bound address once started.
func (m *Monitor) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Stop shuts the server down and disconnects every client.
func (m *Monitor) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return ErrMonitorNotRunning
	}

	m.logger.Info("Stopping monitor")
	close(m.stopChan)

	err := m.server.Shutdown(ctx)

	// hijacked connections are not tracked by the http server
	m.mu.Lock()
	m.stopping = true
	for conn := range m.clients {
		_ = conn.Close()
	}
	m.mu.Unlock()
	m.workerGroup.Wait()

	if m.events != nil {
		_ = m.events.Unsubscribe(m.sub)
	}

	m.logger.Info("Monitor stopped")
	return err
}

func (m *Monitor) onFault(ev bus.Event) error {
	m.faults.Add(1)
	if f, ok := ev.Data().(ecs.SystemFault); ok && f.Err != nil {
		msg := f.System + ": " + f.Err.Error()
		m.lastFault.Store(&msg)
	}
	return nil
}

// ServeHTTP upgrades the request and pushes a snapshot every interval until
// the client goes away or the monitor stops.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Websocket upgrade failed", log.Error(err))
		return
	}
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.clients[conn] = struct{}{}
	m.workerGroup.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.clients, conn)
		m.mu.Unlock()
		_ = conn.Close()
		m.workerGroup.Done()
	}()

	// reader detects the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	m.logger.Debug("Monitor client connected", log.String("remote", conn.RemoteAddr().String()))

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		if err := conn.WriteJSON(m.Snapshot()); err != nil {
			m.logger.Debug("Monitor client dropped", log.Error(err))
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-m.stopChan:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopping"),
				time.Now().Add(time.Second))
			return
		case <-r.Context().Done():
			return
		}
	}
}
