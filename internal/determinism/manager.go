package determinism

import (
	"fmt"
	"sync"
	"time"
)

// Mode identifies which provider set is active.
type Mode string

const (
	// ModeLive passes through to the OS clock and a seeded PRNG.
	ModeLive Mode = "live"
	// ModeRecording logs every returned value for the manifest.
	ModeRecording Mode = "recording"
	// ModeReplay freezes the clock and serves recorded randomness.
	ModeReplay Mode = "replay"
)

// Manager owns the active clock and RNG providers. Recorders and players
// hold their own Manager; the package-level Default is a convenience for
// hosts that run one session per process.
type Manager struct {
	mu    sync.RWMutex
	mode  Mode
	clock Clock
	rng   RNG
}

// NewManager creates a manager in live mode with entropy seeding.
func NewManager() *Manager {
	return &Manager{
		mode:  ModeLive,
		clock: SystemClock{},
		rng:   NewSystemRNG(nil),
	}
}

// SetLiveMode switches to the live providers. seed may be nil.
func (m *Manager) SetLiveMode(seed *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = ModeLive
	m.clock = SystemClock{}
	m.rng = NewSystemRNG(seed)
}

// SetRecordingMode switches to recording providers. seed may be nil.
func (m *Manager) SetRecordingMode(seed *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = ModeRecording
	m.clock = NewRecordingClock()
	m.rng = NewRecordingRNG(seed)
}

// SetReplayMode freezes the clock at the given instant and replays the
// recorded randomness log.
func (m *Manager) SetReplayMode(frozen time.Time, log RNGLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = ModeReplay
	m.clock = NewFrozenClock(frozen)
	m.rng = NewReplayRNG(log)
}

// Mode returns the active mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Clock returns the active clock provider.
func (m *Manager) Clock() Clock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clock
}

// RNG returns the active randomness provider.
func (m *Manager) RNG() RNG {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rng
}

// RecordedData extracts the clock and RNG logs collected in recording mode
// for attachment to the manifest. It fails in any other mode.
func (m *Manager) RecordedData() ([]time.Time, RNGLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mode != ModeRecording {
		return nil, RNGLog{}, fmt.Errorf("determinism: recorded data requested in %s mode", m.mode)
	}
	var times []time.Time
	if rc, ok := m.clock.(*RecordingClock); ok {
		times = rc.RecordedTimes()
	}
	var log RNGLog
	if rr, ok := m.rng.(*RecordingRNG); ok {
		log = rr.Log()
	}
	return times, log, nil
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide manager, creating it on first use.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager()
	}
	return defaultManager
}

// ResetDefault discards the process-wide manager. Tests use this to start
// from a clean live-mode state.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultManager = nil
}
