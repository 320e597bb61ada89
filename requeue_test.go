package go_peerlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequeueResendItems_OntoOwningTracker(t *testing.T) {
	tl := newTestLink(t, NewLinkConfig())
	now := time.Now()
	id := tl.connect(t, 1, 0x10, now)

	tracker := tl.link.Current().Packets()
	seq, err := tracker.AllocatePacketNumber()
	require.NoError(t, err)
	require.NoError(t, tracker.SentPacket(seq, []byte("payload"), nil, 2, now))

	tl.link.RequeueResendItems([]*ResendItem{{OwnerTrackerID: id, PacketNumber: seq, Payload: []byte("payload"), Priority: 2}})

	assert.True(t, tracker.HasPacketsToResend())
	assert.Equal(t, 0, tl.queue.Len())
	assert.Equal(t, uint64(1), tl.metrics.Requeues(REQUEUE_TRACKER))
	assert.Equal(t, uint64(0), tl.metrics.Requeues(REQUEUE_FRESH))
}

func TestRequeueResendItems_FreshMessageFallback(t *testing.T) {
	tl := newTestLink(t, NewLinkConfig())
	now := time.Now()
	id := tl.connect(t, 1, 0x10, now)

	cb := &countingCallback{}
	tl.queue.Enqueue(NewMessageItem([]byte("queued"), nil, 4, time.Time{}))

	tl.link.RequeueResendItems([]*ResendItem{
		{OwnerTrackerID: id + 1, PacketNumber: 9, Payload: []byte("gone"), Callbacks: []AsyncMessageCallback{cb}, Priority: 4},
		nil,
	})

	items := tl.queue.DrainAll()
	require.Len(t, items, 2)
	msg := items[0]
	assert.Equal(t, []byte("gone"), msg.Payload, "fresh message goes to the front")
	assert.True(t, msg.FromResend)
	assert.Equal(t, 4, msg.Priority)
	require.Len(t, msg.Callbacks, 1)
	assert.Same(t, cb, msg.Callbacks[0])
	assert.Equal(t, uint64(1), tl.metrics.Requeues(REQUEUE_FRESH))

	msg.OnSent()
	assert.Equal(t, int32(1), cb.sent.Load())
	assert.Equal(t, int32(0), cb.disconnected.Load())
}

func TestRequeueResendItems_AcknowledgedPacketNotResent(t *testing.T) {
	tl := newTestLink(t, NewLinkConfig())
	now := time.Now()
	id := tl.connect(t, 1, 0x10, now)

	tracker := tl.link.Current().Packets()
	seq, err := tracker.AllocatePacketNumber()
	require.NoError(t, err)
	require.NoError(t, tracker.SentPacket(seq, []byte("x"), nil, 1, now))
	require.True(t, tracker.Acknowledged(seq))

	tl.link.RequeueResendItems([]*ResendItem{{OwnerTrackerID: id, PacketNumber: seq, Payload: []byte("x"), Priority: 1}})

	assert.False(t, tracker.HasPacketsToResend())
	assert.Equal(t, 0, tl.queue.Len(), "an acknowledged packet must not be delivered twice")
	assert.Equal(t, uint64(0), tl.metrics.Requeues(REQUEUE_FRESH))
}

func TestRequeueResendItems_NoEpochsStillQueues(t *testing.T) {
	tl := newTestLink(t, NewLinkConfig())

	tl.link.RequeueResendItems([]*ResendItem{
		{OwnerTrackerID: 5, PacketNumber: 1, Payload: []byte("a"), Priority: 3},
		{OwnerTrackerID: 5, PacketNumber: 2, Payload: []byte("b"), Priority: 3},
	})

	assert.Equal(t, 2, tl.queue.Len())
	assert.Equal(t, uint64(2), tl.metrics.Requeues(REQUEUE_FRESH))
}

func TestRequeueResendItems_Empty(t *testing.T) {
	tl := newTestLink(t, NewLinkConfig())
	tl.link.RequeueResendItems(nil)
	assert.Equal(t, 0, tl.queue.Len())
	assert.Equal(t, uint64(0), tl.metrics.Requeues(REQUEUE_FRESH))
}

// Packets outstanding on an epoch evicted by a tracker change move to the new
// tracker's queue as fresh messages and keep their callbacks.
func TestRequeueResendItems_AfterTrackerWipe(t *testing.T) {
	tl := newTestLink(t, NewLinkConfig())
	now := time.Now()
	tl.connect(t, 1, 0x10, now)

	cb := &countingCallback{}
	tracker := tl.link.Current().Packets()
	for i := 0; i < 3; i++ {
		seq, err := tracker.AllocatePacketNumber()
		require.NoError(t, err)
		require.NoError(t, tracker.SentPacket(seq, []byte{byte(i)}, []AsyncMessageCallback{cb}, 3, now))
	}

	// A legacy handshake without a tracker hint wipes the old epoch.
	tl.connect(t, 1, 0x20, now.Add(time.Second))

	assert.Equal(t, 3, tl.queue.Len())
	assert.Equal(t, uint64(3), tl.metrics.Requeues(REQUEUE_FRESH))
	assert.Equal(t, int32(0), cb.disconnected.Load())
}
