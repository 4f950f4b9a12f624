package netmon

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 10 * time.Second
	wsRedialBase   = time.Second
	wsRedialCap    = 30 * time.Second
)

var errMonitorClosed = errors.New("monitor closed")

// WSMonitor derives connectivity from a held websocket connection:
// a live ping/pong heartbeat is online evidence, dial failures and read
// errors are offline evidence. While offline it redials with a capped
// doubling backoff.
type WSMonitor struct {
	*debouncer

	url    string
	clock  clock.Clock
	logger *events.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWSMonitor starts dialing immediately. Until evidence arrives the
// state reports online, matching the probe monitor's fail-open stance.
func NewWSMonitor(cfg config.NetworkConfig, clk clock.Clock, logger *events.Logger) *WSMonitor {
	wsURL := cfg.WebsocketURL
	if len(wsURL) > 4 && wsURL[:4] == "http" {
		wsURL = "ws" + wsURL[4:]
	}

	m := &WSMonitor{
		debouncer: newDebouncer(true, cfg.DebounceWindow, clk),
		url:       wsURL,
		clock:     clk,
		logger:    logger.WithField("component", "ws_monitor"),
		done:      make(chan struct{}),
	}

	m.wg.Add(1)
	go m.run()
	return m
}

// run dials, holds the connection, and redials on loss.
func (m *WSMonitor) run() {
	defer m.wg.Done()

	backoff := wsRedialBase
	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn, err := m.dial()
		if err != nil {
			m.logger.WithError(err).Debug("Websocket dial failed")
			m.observe(false)

			select {
			case <-m.clock.After(backoff):
			case <-m.done:
				return
			}
			backoff *= 2
			if backoff > wsRedialCap {
				backoff = wsRedialCap
			}
			continue
		}

		m.logger.WithField("url", m.url).Debug("Websocket connected")
		m.observe(true)
		backoff = wsRedialBase

		m.hold(conn)

		select {
		case <-m.done:
			return
		default:
		}

		m.observe(false)
		select {
		case <-m.clock.After(wsRedialBase):
		case <-m.done:
			return
		}
	}
}

func (m *WSMonitor) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(m.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		conn.Close()
		return nil, errMonitorClosed
	}
	m.conn = conn
	m.mu.Unlock()
	return conn, nil
}

// hold reads until the connection dies, pinging on an interval. Pongs
// extend the read deadline; a missed pong times the read out.
func (m *WSMonitor) hold(conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-m.done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.WithError(err).Debug("Websocket read error")
			}
			return
		}
	}
}

// Close stops the redial loop and drops the connection.
func (m *WSMonitor) Close() error {
	close(m.done)

	m.mu.Lock()
	m.stopped = true
	if m.conn != nil {
		_ = m.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.debouncer.close()
	return nil
}
