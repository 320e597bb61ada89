package go_peerlink

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerLink_RequiresCollaborators(t *testing.T) {
	_, err := NewPeerLink("p", nil, LinkCallbacks{}, LinkCollaborators{Sender: &fakeSender{}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewPeerLink("p", nil, LinkCallbacks{}, LinkCollaborators{Handshaker: &fakeHandshaker{}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewPeerLink_RejectsInvalidConfig(t *testing.T) {
	config := NewLinkConfig()
	config.SetProperty(LINK_CONFIG_PROP_REKEY_INTERVAL, "soon")

	_, err := NewPeerLink("p", config, LinkCallbacks{}, LinkCollaborators{
		Sender:     &fakeSender{},
		Handshaker: &fakeHandshaker{},
	})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNewPeerLink_DefaultQueue(t *testing.T) {
	link, err := NewPeerLink("p", nil, LinkCallbacks{}, LinkCollaborators{
		Sender:     &fakeSender{},
		Handshaker: &fakeHandshaker{},
	})
	require.NoError(t, err)
	assert.IsType(t, &PriorityMessageQueue{}, link.Queue())
	assert.True(t, link.NeverConnected())
	assert.False(t, link.IsConnected(time.Now()))
	assert.Equal(t, LINK_NO_TRACKER_ID, link.ReusableTrackerID())
}

func TestOnPacketVerified_Promotes(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()

	r1 := testHandshake(1, 0x10, now)
	r1.NegType = LINK_NEG_TYPE_SEQUENCED
	_, err := tl.link.CompleteHandshake(r1)
	require.NoError(t, err)
	oldCurrent := tl.link.Current()

	r2 := testHandshake(1, 0x11, now.Add(time.Second))
	r2.NegType = LINK_NEG_TYPE_SEQUENCED
	r2.Unverified = true
	_, err = tl.link.CompleteHandshake(r2)
	require.NoError(t, err)
	unverified := tl.link.Unverified()
	require.NotNil(t, unverified)

	require.True(t, tl.link.OnPacketVerified(unverified))

	s := tl.link.Slots()
	assert.Same(t, unverified, s.Current)
	assert.Same(t, oldCurrent, s.Previous)
	assert.Nil(t, s.Unverified)
	assert.True(t, oldCurrent.Packets().IsDeprecated(), "demoted epoch drains but takes no new packets")
	assert.False(t, oldCurrent.IsDisconnected())
	assert.True(t, tl.link.IsConnected(now))
	assert.Equal(t, uint64(1), tl.metrics.Promotions())

	connected, _, _ := tl.recorder.counts()
	assert.Equal(t, 2, connected)

	// A duplicate verification event is a no-op.
	assert.False(t, tl.link.OnPacketVerified(unverified))
	assert.Equal(t, uint64(1), tl.metrics.Promotions())
}

func TestOnPacketVerified_FromNothing(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()
	r := testHandshake(1, 0x10, now)
	r.Unverified = true
	_, err := tl.link.CompleteHandshake(r)
	require.NoError(t, err)
	require.False(t, tl.link.IsConnected(now))

	unverified := tl.link.Unverified()
	require.True(t, tl.link.OnPacketVerified(unverified))

	s := tl.link.Slots()
	assert.Same(t, unverified, s.Current)
	assert.Nil(t, s.Previous)
	assert.Nil(t, s.Unverified)
	assert.True(t, tl.link.IsConnected(now))
	assert.False(t, tl.link.NeverConnected())
}

func TestOnPacketVerified_RetiresOldPrevious(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()

	r1 := testHandshake(1, 0x10, now)
	r1.NegType = LINK_NEG_TYPE_SEQUENCED
	_, err := tl.link.CompleteHandshake(r1)
	require.NoError(t, err)
	first := tl.link.Current()

	cb := &countingCallback{}
	seq, err := first.Packets().AllocatePacketNumber()
	require.NoError(t, err)
	require.NoError(t, first.Packets().SentPacket(seq, []byte("late"), []AsyncMessageCallback{cb}, 2, now))

	r2 := testHandshake(1, 0x11, now.Add(time.Second))
	r2.NegType = LINK_NEG_TYPE_SEQUENCED
	_, err = tl.link.CompleteHandshake(r2)
	require.NoError(t, err)
	require.Same(t, first, tl.link.Previous())
	require.Equal(t, 1, first.Packets().Outstanding(), "a demoted epoch keeps its in-flight packets")

	r3 := testHandshake(1, 0x12, now.Add(2*time.Second))
	r3.NegType = LINK_NEG_TYPE_SEQUENCED
	r3.Unverified = true
	_, err = tl.link.CompleteHandshake(r3)
	require.NoError(t, err)

	require.True(t, tl.link.OnPacketVerified(tl.link.Unverified()))
	assert.True(t, first.IsDisconnected())
	assert.Equal(t, 1, tl.queue.Len(), "outstanding packet of the retired tracker is requeued")
	assert.Equal(t, int32(0), cb.disconnected.Load())
}

func TestOnPacketVerified_IgnoresOtherKeys(t *testing.T) {
	tl := newTestLink(t, nil)
	tl.connect(t, 1, 0x10, time.Now())

	assert.False(t, tl.link.OnPacketVerified(nil))
	assert.False(t, tl.link.OnPacketVerified(tl.link.Current()))
	assert.Equal(t, uint64(0), tl.metrics.Promotions())
}

func TestOnPacketVerified_IgnoresDeprecatedUnverified(t *testing.T) {
	tl := newTestLink(t, nil)
	r := testHandshake(1, 0x10, time.Now())
	r.Unverified = true
	_, err := tl.link.CompleteHandshake(r)
	require.NoError(t, err)

	unverified := tl.link.Unverified()
	unverified.Packets().Deprecated()
	assert.False(t, tl.link.OnPacketVerified(unverified))
	assert.Same(t, unverified, tl.link.Unverified())
}

func TestIsConnected_RecordsLastConnected(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()
	tl.connect(t, 1, 0x10, now)

	later := now.Add(time.Hour)
	require.True(t, tl.link.IsConnected(later))
	assert.Equal(t, later, tl.link.LastConnectedAt())

	tl.link.Current().Packets().Deprecated()
	assert.False(t, tl.link.IsConnected(later.Add(time.Second)))
	assert.Equal(t, later, tl.link.LastConnectedAt())
}

func TestCheckConsistency_Healthy(t *testing.T) {
	tl := newTestLink(t, nil)
	assert.Empty(t, tl.link.CheckConsistency())

	tl.connect(t, 1, 0x10, time.Now())
	assert.Empty(t, tl.link.CheckConsistency())
}

func TestCheckConsistency_HealsDeprecatedCurrent(t *testing.T) {
	tl := newTestLink(t, nil)
	tl.connect(t, 1, 0x10, time.Now())
	tl.link.Current().Packets().Deprecated()

	problems := tl.link.CheckConsistency()
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "deprecated")
	assert.Equal(t, uint64(1), tl.metrics.Errors("consistency"))

	// The link was marked disconnected, so the next sweep finds nothing.
	assert.Empty(t, tl.link.CheckConsistency())
	assert.Equal(t, "disconnected", tl.metrics.ConnectionState())
}

func TestCheckConsistency_DeprecatedCurrentWithFallback(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()
	r1 := testHandshake(1, 0x10, now)
	r1.NegType = LINK_NEG_TYPE_SEQUENCED
	_, err := tl.link.CompleteHandshake(r1)
	require.NoError(t, err)
	r2 := testHandshake(1, 0x11, now)
	r2.NegType = LINK_NEG_TYPE_SEQUENCED
	r2.Unverified = true
	_, err = tl.link.CompleteHandshake(r2)
	require.NoError(t, err)

	tl.link.Current().Packets().Deprecated()
	assert.Empty(t, tl.link.CheckConsistency(), "a live unverified epoch is a valid fallback")
}

func TestDisconnect_DumpEverything(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()
	tl.connect(t, 1, 0x10, now)
	key := tl.link.Current()

	queued := &countingCallback{}
	tl.queue.Enqueue(NewMessageItem([]byte("q"), []AsyncMessageCallback{queued}, LINK_PRIORITY_BULK, time.Time{}))

	inFlight := &countingCallback{}
	seq, err := key.Packets().AllocatePacketNumber()
	require.NoError(t, err)
	require.NoError(t, key.Packets().SentPacket(seq, []byte("p"), []AsyncMessageCallback{inFlight}, 1, now))

	assert.True(t, tl.link.Disconnect(true, true))

	s := tl.link.Slots()
	assert.Nil(t, s.Current)
	assert.Nil(t, s.Previous)
	assert.Nil(t, s.Unverified)
	assert.Nil(t, tl.link.PacketFormat())
	assert.False(t, tl.link.IsConnected(now))
	assert.True(t, key.IsDisconnected())
	assert.Equal(t, int32(1), queued.disconnected.Load())
	assert.Equal(t, int32(1), inFlight.disconnected.Load())
	assert.Equal(t, 0, tl.queue.Len())

	last, _ := tl.link.LastDisconnectAt()
	assert.False(t, last.IsZero())
	_, disconnected, _ := tl.recorder.counts()
	assert.Equal(t, 1, disconnected)

	// Already disconnected.
	assert.False(t, tl.link.Disconnect(true, true))
	assert.Equal(t, int32(1), queued.disconnected.Load())
}

func TestDisconnect_KeepTrackers(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()
	id := tl.connect(t, 1, 0x10, now)
	key := tl.link.Current()

	queued := &countingCallback{}
	tl.queue.Enqueue(NewMessageItem([]byte("q"), []AsyncMessageCallback{queued}, LINK_PRIORITY_BULK, time.Time{}))

	inFlight := &countingCallback{}
	seq, err := key.Packets().AllocatePacketNumber()
	require.NoError(t, err)
	require.NoError(t, key.Packets().SentPacket(seq, []byte("p"), []AsyncMessageCallback{inFlight}, 1, now))

	assert.True(t, tl.link.Disconnect(false, false))
	assert.Same(t, key, tl.link.Current())
	assert.False(t, key.IsDisconnected())
	assert.False(t, tl.link.IsConnected(now))
	assert.Equal(t, 1, tl.queue.Len())
	assert.Equal(t, int32(0), queued.disconnected.Load())
	// Kept epochs are not notified.
	assert.Equal(t, int32(0), inFlight.disconnected.Load())

	// The kept tracker can be resumed by the next handshake.
	r := testHandshake(1, 0x11, now.Add(time.Second))
	r.TrackerID = tl.link.ReusableTrackerID()
	got, err := tl.link.CompleteHandshake(r)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestDisconnect_PreservesRekeyBookkeeping(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()
	r := testHandshake(1, 0x10, now)
	r.Unverified = true
	_, err := tl.link.CompleteHandshake(r)
	require.NoError(t, err)
	tl.link.AddBytes(500)

	tl.link.Disconnect(true, true)
	assert.Equal(t, now, tl.link.LastRekeyedAt())
	assert.Equal(t, uint64(500), tl.link.BytesSinceRekey())
}

func TestPeerLink_TimingBookkeeping(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()
	tl.connect(t, 1, 0x10, now)
	assert.Equal(t, now, tl.link.LastReceivedPacketTime(), "completed handshake counts as received")

	t1 := now.Add(time.Second)
	tl.link.ReceivedPacket(true, false, t1)
	assert.Equal(t, t1, tl.link.LastReceivedPacketTime())
	assert.Equal(t, now, tl.link.LastReceivedDataPacketTime())

	t2 := now.Add(2 * time.Second)
	tl.link.ReceivedPacket(false, true, t2)
	assert.Equal(t, t2, tl.link.LastReceivedDataPacketTime())

	t3 := now.Add(3 * time.Second)
	tl.link.SentPacket(t3)
	assert.Equal(t, t3, tl.link.LastSentPacketTime())
}

func TestPeerLink_ReportPackets(t *testing.T) {
	tl := newTestLink(t, nil)
	now := time.Now()
	tl.connect(t, 1, 0x10, now)

	tl.link.ReportOutgoingPacket(make([]byte, 100), now)
	tl.link.ReportIncomingPacket(make([]byte, 40), now)
	tl.link.AddBytes(-5)

	assert.Equal(t, uint64(140), tl.link.BytesSinceRekey())
	assert.Equal(t, uint64(100), tl.metrics.BytesSent())
	assert.Equal(t, uint64(40), tl.metrics.BytesReceived())
	assert.Equal(t, 1, tl.link.History().Len(PacketSent))
	assert.Equal(t, 1, tl.link.History().Len(PacketReceived))
}

func TestPeerLink_SlotHistoryRecorded(t *testing.T) {
	tl := newTestLink(t, nil)
	tl.link.StateTracker().Enable()
	tl.connect(t, 1, 0x10, time.Now())

	changes := tl.link.StateTracker().SlotHistory()
	require.NotEmpty(t, changes)
	assert.Equal(t, "install_current", changes[len(changes)-1].Transition)
}

func TestPeerLink_CallbackPanicIsContained(t *testing.T) {
	link, err := NewPeerLink("p", nil, LinkCallbacks{
		OnConnected: func(*PeerLink) { panic("boom") },
	}, LinkCollaborators{Sender: &fakeSender{}, Handshaker: &fakeHandshaker{}})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = link.CompleteHandshake(testHandshake(1, 0x10, time.Now()))
	})
	assert.NoError(t, err)
	assert.True(t, link.IsConnected(time.Now()))
}

func TestPeerLink_String(t *testing.T) {
	tl := newTestLink(t, nil)
	tl.connect(t, 1, 0x10, time.Now())
	s := fmt.Sprint(tl.link)
	assert.Contains(t, s, "test-peer")
	assert.Contains(t, s, "unverified=<nil>")
}
