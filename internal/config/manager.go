package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/xxh3"

	logx "netpulse/pkg/logx"
)

// Manager loads the config file, watches it for changes and fans out
// validated updates to subscribers.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	settings Settings
	lastHash uint64

	// subsMu guards the subscriber list so publish never sends on a channel
	// that Unsubscribe is closing.
	subsMu sync.Mutex
	subs   []chan Update

	log      logx.Logger
	debounce time.Duration
}

// Update is delivered to subscribers after a validated reload.
type Update struct {
	Config   *Config
	Settings Settings
}

func NewManager(path string) *Manager {
	return &Manager{path: path, debounce: 250 * time.Millisecond}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) Path() string { return m.path }

// Parse reads and decodes the file without committing it.
// A missing file parses as an empty config (all defaults).
func (m *Manager) Parse() (*Config, error) {
	if strings.TrimSpace(m.path) == "" {
		return &Config{}, nil
	}
	b, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses, resolves and commits the current file.
func (m *Manager) Load() (*Config, Settings, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, Settings{}, err
	}
	s, err := Resolve(cfg)
	if err != nil {
		return nil, Settings{}, err
	}
	m.commit(cfg, s)
	return cfg, s, nil
}

func (m *Manager) commit(cfg *Config, s Settings) {
	m.mu.Lock()
	m.cfg = cfg
	m.settings = s
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() (*Config, Settings) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.settings
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxh3.Hash(b)
}

func (m *Manager) Subscribe(buffer int) chan Update {
	ch := make(chan Update, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan Update) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Always deliver the latest config: if the subscriber is full, drop its oldest item.
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
			if !m.log.IsZero() {
				m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
			}
		}
	}
}

// reload parses and validates the file and publishes it if the content changed.
func (m *Manager) reload() {
	cfg, err := m.Parse()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		}
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		if !m.log.IsZero() {
			m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		}
		return
	}

	s, err := Resolve(cfg)
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		}
		return
	}
	m.commit(cfg, s)
	m.publish(Update{Config: cfg, Settings: s})
	if !m.log.IsZero() {
		m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	}
}

// Watch follows the config file until ctx is canceled.
//
// The parent directory is watched (editors often replace files via rename).
// A broken watcher is recreated with jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if strings.TrimSpace(m.path) == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, m.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			}
			if !sleep() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !m.log.IsZero() {
				m.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			}
			if !sleep() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		if !m.log.IsZero() {
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		}

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					schedule()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					// Events may have been missed; reload once and keep going.
					schedule()
					continue
				}
				if err != nil && !m.log.IsZero() {
					m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				}
			}
		}
		_ = w.Close()
		if !m.log.IsZero() {
			m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir))
		}
		if !sleep() {
			return nil
		}
	}
}
