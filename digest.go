package go_peerlink

import (
	"fmt"
	"math"
	"time"
)

// SentPacketsDigest is the diagnostic payload echoing which packets a link sent
// recently. Ages and Hashes are parallel and ordered oldest first.
//
// Wire format (big-endian):
//
//	now-ms:u64 | count:u16 | count x age-ms:u32 | count x hash:u64
type SentPacketsDigest struct {
	Now    time.Time
	Ages   []time.Duration
	Hashes []uint64
}

// Len returns the number of samples in the digest.
func (d *SentPacketsDigest) Len() int {
	return len(d.Ages)
}

// SentTimes returns the absolute send time of each sample.
func (d *SentPacketsDigest) SentTimes() []time.Time {
	times := make([]time.Time, len(d.Ages))
	for i, age := range d.Ages {
		times[i] = d.Now.Add(-age)
	}
	return times
}

// MarshalBinary encodes the digest. Ages are truncated to milliseconds.
func (d *SentPacketsDigest) MarshalBinary() ([]byte, error) {
	if len(d.Ages) != len(d.Hashes) {
		return nil, fmt.Errorf("digest has %d ages but %d hashes: %w", len(d.Ages), len(d.Hashes), ErrMalformedDigest)
	}
	if len(d.Ages) > math.MaxUint16 {
		return nil, fmt.Errorf("digest too large: %d samples: %w", len(d.Ages), ErrMalformedDigest)
	}

	stream := NewStream(make([]byte, 0, 10+len(d.Ages)*12))
	if err := stream.WriteUint64(uint64(d.Now.UnixMilli())); err != nil {
		return nil, err
	}
	if err := stream.WriteUint16(uint16(len(d.Ages))); err != nil {
		return nil, err
	}
	for _, age := range d.Ages {
		ms := age.Milliseconds()
		if ms < 0 || ms > math.MaxInt32 {
			return nil, fmt.Errorf("sample age %v outside wire range: %w", age, ErrMalformedDigest)
		}
		if err := stream.WriteUint32(uint32(ms)); err != nil {
			return nil, err
		}
	}
	for _, hash := range d.Hashes {
		if err := stream.WriteUint64(hash); err != nil {
			return nil, err
		}
	}
	return stream.Bytes(), nil
}

// ParseSentPacketsDigest decodes a digest produced by MarshalBinary.
func ParseSentPacketsDigest(data []byte) (*SentPacketsDigest, error) {
	stream := NewStream(data)

	nowMs, err := stream.ReadUint64()
	if err != nil {
		return nil, fmt.Errorf("failed to read digest timestamp: %w: %v", ErrMalformedDigest, err)
	}
	count, err := stream.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("failed to read digest count: %w: %v", ErrMalformedDigest, err)
	}
	if stream.Len() != int(count)*12 {
		return nil, fmt.Errorf("digest body is %d bytes, expected %d: %w", stream.Len(), int(count)*12, ErrMalformedDigest)
	}

	digest := &SentPacketsDigest{
		Now:    time.UnixMilli(int64(nowMs)),
		Ages:   make([]time.Duration, count),
		Hashes: make([]uint64, count),
	}
	for i := range digest.Ages {
		ms, err := stream.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("failed to read age %d: %w: %v", i, ErrMalformedDigest, err)
		}
		if ms > math.MaxInt32 {
			return nil, fmt.Errorf("age %d out of range: %w", ms, ErrMalformedDigest)
		}
		digest.Ages[i] = time.Duration(ms) * time.Millisecond
	}
	for i := range digest.Hashes {
		if digest.Hashes[i], err = stream.ReadUint64(); err != nil {
			return nil, fmt.Errorf("failed to read hash %d: %w: %v", i, ErrMalformedDigest, err)
		}
	}
	return digest, nil
}
