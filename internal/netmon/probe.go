package netmon

import (
	"context"
	"net/http"
	"time"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
)

// ProbeMonitor derives connectivity by polling an HTTP endpoint. Any
// response in 2xx-4xx counts as online evidence: the link works even if
// the endpoint objects to the request. Transport errors and 5xx count
// as offline evidence. It fails open: until a probe completes the state
// reports online, so a queue never stalls on a broken probe target.
type ProbeMonitor struct {
	*debouncer

	url      string
	timeout  time.Duration
	interval time.Duration
	client   *http.Client
	clock    clock.Clock
	logger   *events.Logger
	done     chan struct{}
}

// NewProbeMonitor starts polling immediately.
func NewProbeMonitor(cfg config.NetworkConfig, clk clock.Clock, logger *events.Logger) *ProbeMonitor {
	m := &ProbeMonitor{
		debouncer: newDebouncer(true, cfg.DebounceWindow, clk),
		url:       cfg.ProbeURL,
		timeout:   cfg.ProbeTimeout,
		interval:  cfg.ProbeInterval,
		client:    &http.Client{},
		clock:     clk,
		logger:    logger.WithField("component", "probe_monitor"),
		done:      make(chan struct{}),
	}

	go m.loop()
	return m
}

func (m *ProbeMonitor) loop() {
	for {
		select {
		case <-m.clock.After(m.interval):
			m.observe(m.probe())
		case <-m.done:
			return
		}
	}
}

// probe runs one HEAD request and classifies the outcome.
func (m *ProbeMonitor) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		m.logger.WithError(err).Warn("Invalid probe request")
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.WithError(err).Debug("Probe failed")
		return false
	}
	defer resp.Body.Close()

	online := resp.StatusCode < 500
	m.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"online": online,
	}).Debug("Probe completed")
	return online
}

// Close stops polling.
func (m *ProbeMonitor) Close() error {
	close(m.done)
	m.debouncer.close()
	return nil
}
