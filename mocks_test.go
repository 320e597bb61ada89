package go_peerlink

// mocks_test.go - Shared test helpers, fakes, and stubs used across multiple test files.

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSender records notification-only sends. Errors queued in errs are
// returned one per call; once exhausted every send succeeds.
type fakeSender struct {
	mu    sync.Mutex
	errs  []error
	calls []*SessionKey
	size  int
}

func (s *fakeSender) SendNotificationOnly(key *SessionKey, priority int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, key)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if s.size == 0 {
		return 48, nil
	}
	return s.size, nil
}

func (s *fakeSender) failWith(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

func (s *fakeSender) sends() []*SessionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SessionKey(nil), s.calls...)
}

// fakeHandshaker counts started negotiations.
type fakeHandshaker struct {
	mu      sync.Mutex
	live    bool
	started int
	err     error
}

func (h *fakeHandshaker) StartHandshake(link *PeerLink, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return h.err
}

func (h *fakeHandshaker) HasLiveHandshake(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

func (h *fakeHandshaker) setLive(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = live
}

func (h *fakeHandshaker) startedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// callbackRecorder counts link callbacks.
type callbackRecorder struct {
	mu              sync.Mutex
	connected       int
	disconnected    int
	restarts        []int64
	bootConnections int
	forced          int
	statuses        []LinkStatus
}

func (r *callbackRecorder) callbacks() LinkCallbacks {
	return LinkCallbacks{
		OnConnected: func(*PeerLink) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected++
		},
		OnDisconnected: func(*PeerLink) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected++
		},
		OnRestart: func(_ *PeerLink, bootID int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.restarts = append(r.restarts, bootID)
		},
		OnBootConnection: func(*PeerLink, net.Addr) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.bootConnections++
		},
		OnForceDisconnect: func(*PeerLink) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.forced++
		},
		OnStatus: func(_ *PeerLink, status LinkStatus) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, status)
		},
	}
}

func (r *callbackRecorder) counts() (connected, disconnected, forced int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected, r.forced
}

func (r *callbackRecorder) restartIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.restarts...)
}

// countingCallback is an AsyncMessageCallback that counts its notifications.
type countingCallback struct {
	sent         atomic.Int32
	disconnected atomic.Int32
}

func (c *countingCallback) Sent()         { c.sent.Add(1) }
func (c *countingCallback) Disconnected() { c.disconnected.Add(1) }

// testKeys returns key material that differs for every seed.
func testKeys(seed byte) KeyMaterial {
	return KeyMaterial{
		OutgoingKey: bytes.Repeat([]byte{seed}, SESSION_KEY_SIZE),
		IncomingKey: bytes.Repeat([]byte{^seed}, SESSION_KEY_SIZE),
		IVKey:       bytes.Repeat([]byte{seed + 1}, SESSION_KEY_SIZE),
		IVNonce:     bytes.Repeat([]byte{seed + 2}, 12),
		HMACKey:     bytes.Repeat([]byte{seed + 3}, 32),
	}
}

// testHandshake builds a verified legacy handshake with a fresh tracker.
func testHandshake(bootID int64, seed byte, now time.Time) HandshakeResult {
	return HandshakeResult{
		BootID:    bootID,
		Keys:      testKeys(seed),
		ReplyTo:   &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9000},
		TrackerID: LINK_NO_TRACKER_ID,
		Now:       now,
	}
}

// testLink bundles a link with its fakes.
type testLink struct {
	link       *PeerLink
	sender     *fakeSender
	handshaker *fakeHandshaker
	recorder   *callbackRecorder
	queue      *PriorityMessageQueue
	metrics    *InMemoryMetrics
}

func newTestLink(t *testing.T, config *LinkConfig) *testLink {
	t.Helper()
	tl := &testLink{
		sender:     &fakeSender{},
		handshaker: &fakeHandshaker{},
		recorder:   &callbackRecorder{},
		queue:      NewPriorityMessageQueue(),
		metrics:    NewInMemoryMetrics(),
	}
	link, err := NewPeerLink("test-peer", config, tl.recorder.callbacks(), LinkCollaborators{
		Sender:     tl.sender,
		Handshaker: tl.handshaker,
		Queue:      tl.queue,
		Metrics:    tl.metrics,
	})
	if err != nil {
		t.Fatalf("NewPeerLink() error = %v", err)
	}
	tl.link = link
	return tl
}

// connect completes a verified legacy handshake and fails the test on error.
func (tl *testLink) connect(t *testing.T, bootID int64, seed byte, now time.Time) int64 {
	t.Helper()
	id, err := tl.link.CompleteHandshake(testHandshake(bootID, seed, now))
	if err != nil {
		t.Fatalf("CompleteHandshake() error = %v", err)
	}
	return id
}

// rekeyConfig returns a config with a short rekey cycle.
func rekeyConfig(t *testing.T, interval, maxDelay string) *LinkConfig {
	t.Helper()
	config := NewLinkConfig()
	config.SetProperty(LINK_CONFIG_PROP_REKEY_INTERVAL, interval)
	config.SetProperty(LINK_CONFIG_PROP_MAX_REKEY_DELAY, maxDelay)
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return config
}
