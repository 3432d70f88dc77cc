package fieldsync

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Probe answers a point-in-time reachability question. A probe error is
// treated as offline.
type Probe interface {
	Check(ctx context.Context) (bool, error)
}

type ProbeFunc func(ctx context.Context) (bool, error)

func (f ProbeFunc) Check(ctx context.Context) (bool, error) {
	return f(ctx)
}

type MonitorOptions struct {
	PollInterval time.Duration
	ProbeTimeout time.Duration
	// OverrideFile, when set, forces Offline for as long as the file
	// exists. Field devices use it as an airplane-mode switch.
	OverrideFile string
	Logger       Logger
	Metrics      *Metrics
}

// Monitor wraps a reachability probe behind a two-state machine
// {Online, Offline} and raises edge-triggered transition events only:
// repeated identical probe results never re-notify listeners.
type Monitor struct {
	probe        Probe
	pollInterval time.Duration
	probeTimeout time.Duration
	overrideFile string
	logger       Logger
	metrics      *Metrics

	mu           sync.Mutex
	online       bool
	started      bool
	listeners    map[int]func(online bool)
	nextListener int

	watcher   *fsnotify.Watcher
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewMonitor(probe Probe, opts MonitorOptions) (*Monitor, error) {
	if probe == nil {
		return nil, fmt.Errorf("%w: probe is required", ErrInvalidInput)
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Monitor{
		probe:        probe,
		pollInterval: pollInterval,
		probeTimeout: probeTimeout,
		overrideFile: strings.TrimSpace(opts.OverrideFile),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		listeners:    map[int]func(online bool){},
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}, nil
}

// Start probes once synchronously to set the initial state, then begins
// the poll loop. A failed initial probe defaults to Offline: queuing a
// write beats attempting a call over a network that may not be there.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.setState(m.evaluate())
	if m.overrideFile != "" {
		m.watchOverrideFile()
	}
	m.wg.Add(1)
	go m.pollLoop()
	return nil
}

// CurrentState reports the last-known reachability.
func (m *Monitor) CurrentState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition listener and returns its unsubscribe
// handle. Listeners fire on every online/offline edge, outside the
// monitor's lock.
func (m *Monitor) Subscribe(listener func(online bool)) func() {
	if listener == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
	})
	m.wg.Wait()
}

func (m *Monitor) pollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.setState(m.evaluate())
	}
}

func (m *Monitor) evaluate() bool {
	if m.overridden() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()
	online, err := m.probe.Check(ctx)
	if err != nil {
		return false
	}
	return online
}

func (m *Monitor) overridden() bool {
	if m.overrideFile == "" {
		return false
	}
	_, err := os.Stat(m.overrideFile)
	return err == nil
}

func (m *Monitor) setState(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(online bool), 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	m.mu.Unlock()

	m.metrics.setOnline(online)
	m.logf("connectivity: now %s", stateName(online))
	for _, listener := range listeners {
		listener(online)
	}
}

// watchOverrideFile reacts to the override file appearing or disappearing
// without waiting out a full poll interval. Watch failures degrade to
// poll-only; evaluate stats the file on every pass anyway.
func (m *Monitor) watchOverrideFile() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logf("connectivity: override watch unavailable, polling only: %v", err)
		return
	}
	dir := filepath.Dir(m.overrideFile)
	if err := watcher.Add(dir); err != nil {
		m.logf("connectivity: cannot watch %s, polling only: %v", dir, err)
		_ = watcher.Close()
		return
	}
	m.watcher = watcher
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.closed:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != m.overrideFile {
					continue
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					select {
					case m.wake <- struct{}{}:
					default:
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func stateName(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// HTTPProbe checks reachability with a HEAD request against the API's
// health endpoint. Any HTTP response counts as reachable; only transport
// errors mean offline.
type HTTPProbe struct {
	url        string
	httpClient *http.Client
}

func NewHTTPProbe(url string, httpClient *http.Client) (*HTTPProbe, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: probe url is required", ErrInvalidInput)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProbe{url: url, httpClient: httpClient}, nil
}

func (p *HTTPProbe) Check(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()
	return true, nil
}
