package go_peerlink

import (
	"crypto/cipher"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-i2p/common/base32"
	"github.com/oklog/ulid/v2"
)

// KeyContext carries the sequence numbers negotiated alongside an epoch's keys.
type KeyContext struct {
	OurInitialSeqNum   int32
	TheirInitialSeqNum int32
	OurInitialMsgID    int32
	TheirInitialMsgID  int32
}

// SessionKey is one epoch of a link: immutable key material plus the packet
// tracker it sends on. Only the tracker is mutable after creation.
type SessionKey struct {
	id      ulid.ULID
	handle  EpochHandle
	keys    KeyMaterial
	context KeyContext

	outgoingCipher cipher.AEAD
	incomingCipher cipher.AEAD
	ivCipher       cipher.AEAD

	packets   *PacketTracker
	replyTo   net.Addr
	createdAt time.Time

	disconnected atomic.Bool
}

// NewSessionKey builds an epoch from negotiated key material. The outgoing,
// incoming and IV keys must each be SESSION_KEY_SIZE bytes.
func NewSessionKey(keys KeyMaterial, ctx KeyContext, packets *PacketTracker, replyTo net.Addr, now time.Time) (*SessionKey, error) {
	if packets == nil {
		return nil, fmt.Errorf("packet tracker cannot be nil: %w", ErrInvalidArgument)
	}
	key, err := buildSessionKey(keys, ctx, replyTo, now)
	if err != nil {
		return nil, err
	}
	key.packets = packets
	return key, nil
}

// buildSessionKey creates the ciphers of an epoch. The caller attaches the
// tracker before the key is published.
func buildSessionKey(keys KeyMaterial, ctx KeyContext, replyTo net.Addr, now time.Time) (*SessionKey, error) {
	outgoing, err := NewSessionCipher(keys.OutgoingKey)
	if err != nil {
		return nil, fmt.Errorf("outgoing cipher: %w", err)
	}
	incoming, err := NewSessionCipher(keys.IncomingKey)
	if err != nil {
		return nil, fmt.Errorf("incoming cipher: %w", err)
	}
	var iv cipher.AEAD
	if len(keys.IVKey) > 0 {
		if iv, err = NewSessionCipher(keys.IVKey); err != nil {
			return nil, fmt.Errorf("iv cipher: %w", err)
		}
	}

	return &SessionKey{
		id:             ulid.Make(),
		keys:           keys,
		context:        ctx,
		outgoingCipher: outgoing,
		incomingCipher: incoming,
		ivCipher:       iv,
		replyTo:        replyTo,
		createdAt:      now,
	}, nil
}

// ID returns the unique identifier used in logs and diagnostics.
func (k *SessionKey) ID() ulid.ULID { return k.id }

// Handle returns the arena handle the link assigned to this epoch.
func (k *SessionKey) Handle() EpochHandle { return k.handle }

// Packets returns the epoch's packet tracker.
func (k *SessionKey) Packets() *PacketTracker { return k.packets }

// TrackerID is shorthand for Packets().TrackerID().
func (k *SessionKey) TrackerID() int64 { return k.packets.TrackerID() }

// Keys returns the key material the epoch was built from.
func (k *SessionKey) Keys() KeyMaterial { return k.keys }

// Context returns the negotiated sequence numbers.
func (k *SessionKey) Context() KeyContext { return k.context }

func (k *SessionKey) OutgoingCipher() cipher.AEAD { return k.outgoingCipher }
func (k *SessionKey) IncomingCipher() cipher.AEAD { return k.incomingCipher }

// IVCipher returns the packet IV cipher, or nil when the negotiation supplied no IV key.
func (k *SessionKey) IVCipher() cipher.AEAD { return k.ivCipher }

func (k *SessionKey) HMACKey() []byte   { return k.keys.HMACKey }
func (k *SessionKey) ReplyTo() net.Addr { return k.replyTo }

func (k *SessionKey) CreatedAt() time.Time { return k.createdAt }

// IsDisconnected reports whether the link has let go of this epoch.
func (k *SessionKey) IsDisconnected() bool { return k.disconnected.Load() }

// Fingerprint returns a short base32 digest of the outgoing key, safe to log.
func (k *SessionKey) Fingerprint() string {
	out := k.keys.OutgoingKey
	if len(out) > 5 {
		out = out[:5]
	}
	return base32.EncodeToString(out)
}

func (k *SessionKey) String() string {
	if k == nil {
		return "<nil>"
	}
	return fmt.Sprintf("SessionKey[%s tracker=%d key=%s]", k.id, k.packets.TrackerID(), k.Fingerprint())
}

// Disconnected tells the epoch the link no longer uses it. Its tracker is torn
// down, notifying in-flight callbacks when notify is set.
func (k *SessionKey) Disconnected(notify bool) {
	if !k.disconnected.CompareAndSwap(false, true) {
		return
	}
	k.packets.Disconnected(notify)
}

// release marks the epoch disconnected without touching a tracker that a newer
// epoch carries on.
func (k *SessionKey) release() {
	k.disconnected.Store(true)
}
