package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted  = errors.New("connectivity monitor already started")
	ErrInvalidInterval = errors.New("probe interval must be positive")
)

// Observer receives each probe result. Only transitions matter to it, but it
// is told every time.
type Observer interface {
	SetOnline(online bool)
}

// Config controls probing.
type Config struct {
	HealthURL string
	Interval  time.Duration
	Timeout   time.Duration
}

// Monitor probes the backend health endpoint on a schedule and reports
// reachability to an Observer.
type Monitor struct {
	config    Config
	client    *http.Client
	observer  Observer
	scheduler *gocron.Scheduler
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
}

// NewMonitor builds a monitor for baseURL's /health endpoint.
func NewMonitor(baseURL string, interval, timeout time.Duration, observer Observer, logger *zap.Logger) (*Monitor, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Monitor{
		config: Config{
			HealthURL: strings.TrimRight(baseURL, "/") + "/health",
			Interval:  interval,
			Timeout:   timeout,
		},
		client:    &http.Client{Timeout: timeout},
		observer:  observer,
		scheduler: s,
		logger:    logger.Named("connectivity"),
	}, nil
}

// Start schedules the probe. The first probe runs immediately.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if _, err := m.scheduler.Every(m.config.Interval).Do(m.tick); err != nil {
		return fmt.Errorf("failed to schedule connectivity probe: %w", err)
	}
	m.scheduler.StartAsync()
	m.started = true
	m.logger.Info("connectivity monitor started",
		zap.String("health_url", m.config.HealthURL), zap.Duration("interval", m.config.Interval))
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.scheduler.Stop()
	m.started = false
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()
	m.observer.SetOnline(m.Probe(ctx))
}

// Probe reports whether the health endpoint answered with a 2xx.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
