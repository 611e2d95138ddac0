// Package quota tracks per-user storage usage against a limit.
package quota

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"repofs/internal/common"
	"repofs/internal/metrics"
)

const (
	DefaultInactivityTimeout = 10 * time.Minute
	DefaultSweepInterval     = time.Minute
)

// Loader returns a user's committed usage when the user is first seen.
type Loader func(user string) (int64, error)

// Options configures a Manager.
type Options struct {
	// Limit is the per-user byte limit. Zero means unlimited.
	Limit             int64
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	Loader            Loader
	Now               func() time.Time
}

type usage struct {
	used     int64
	lastUsed time.Time
}

// Manager tracks usage for every active user. Users idle for longer than
// the inactivity timeout are dropped by a background sweep and reloaded on
// next use.
type Manager struct {
	opts Options

	mu    sync.Mutex
	users map[string]*usage

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// New returns a manager. Call Start to run the inactivity sweep.
func New(opts Options) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:  opts,
		users: make(map[string]*usage),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Limit is the per-user limit, zero for unlimited.
func (m *Manager) Limit() int64 {
	return m.opts.Limit
}

// user returns the tracked usage for name, loading it when needed.
// Caller holds mu.
func (m *Manager) user(name string) (*usage, error) {
	if u, ok := m.users[name]; ok {
		return u, nil
	}
	u := &usage{}
	if m.opts.Loader != nil {
		used, err := m.opts.Loader(name)
		if err != nil {
			return nil, fmt.Errorf("load usage for %s: %w", name, err)
		}
		u.used = used
	}
	m.users[name] = u
	return u, nil
}

// Allocate reserves n bytes for user. It fails with ErrDiskFull when the
// reservation would exceed the limit.
func (m *Manager) Allocate(user string, n int64) error {
	if n <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.user(user)
	if err != nil {
		return err
	}
	u.lastUsed = m.opts.Now()
	if m.opts.Limit > 0 && u.used+n > m.opts.Limit {
		return fmt.Errorf("%s would use %s of %s: %w", user,
			humanize.Bytes(uint64(u.used+n)), humanize.Bytes(uint64(m.opts.Limit)), common.ErrDiskFull)
	}
	u.used += n
	metrics.QuotaUsage.WithLabelValues(user).Set(float64(u.used))
	return nil
}

// Release returns n bytes for user.
func (m *Manager) Release(user string, n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[user]
	if !ok {
		return
	}
	u.lastUsed = m.opts.Now()
	u.used -= n
	if u.used < 0 {
		u.used = 0
	}
	metrics.QuotaUsage.WithLabelValues(user).Set(float64(u.used))
}

// Usage returns the tracked usage for user.
func (m *Manager) Usage(user string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(user)
	if err != nil {
		return 0, err
	}
	return u.used, nil
}

// Users is the number of tracked users.
func (m *Manager) Users() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// Sweep drops users idle for longer than the inactivity timeout.
func (m *Manager) Sweep() int {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for name, u := range m.users {
		if now.Sub(u.lastUsed) > m.opts.InactivityTimeout {
			log.Debugf("[Quota] dropping idle user %s (%s used)", name, humanize.Bytes(uint64(u.used)))
			delete(m.users, name)
			metrics.QuotaUsage.DeleteLabelValues(name)
			n++
		}
	}
	return n
}

// Start runs the inactivity sweep until Stop.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					log.Debugf("[Quota] swept %d idle users", n)
				}
			}
		}
	}()
}

// Stop ends the sweep started by Start and waits for it.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}
