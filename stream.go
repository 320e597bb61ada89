package go_peerlink

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Stream provides the big-endian encoding used by link diagnostic messages.
// It wraps bytes.Buffer; reads fail with io.ErrUnexpectedEOF on truncated input.
type Stream struct {
	*bytes.Buffer
}

// NewStream creates a new Stream from a byte slice.
func NewStream(buf []byte) *Stream {
	return &Stream{bytes.NewBuffer(buf)}
}

func (s *Stream) readFull(n int) ([]byte, error) {
	bts := make([]byte, n)
	if _, err := io.ReadFull(s, bts); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return bts, nil
}

// ReadUint16 reads a big-endian uint16 from the stream.
func (s *Stream) ReadUint16() (uint16, error) {
	bts, err := s.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(bts), nil
}

// ReadUint32 reads a big-endian uint32 from the stream.
func (s *Stream) ReadUint32() (uint32, error) {
	bts, err := s.readFull(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(bts), nil
}

// ReadUint64 reads a big-endian uint64 from the stream.
// Digest timestamps are carried this way.
func (s *Stream) ReadUint64() (uint64, error) {
	bts, err := s.readFull(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(bts), nil
}

// WriteUint16 writes a big-endian uint16 to the stream.
func (s *Stream) WriteUint16(i uint16) error {
	bts := make([]byte, 2)
	binary.BigEndian.PutUint16(bts, i)
	_, err := s.Write(bts)
	return err
}

// WriteUint32 writes a big-endian uint32 to the stream.
func (s *Stream) WriteUint32(i uint32) error {
	bts := make([]byte, 4)
	binary.BigEndian.PutUint32(bts, i)
	_, err := s.Write(bts)
	return err
}

// WriteUint64 writes a big-endian uint64 to the stream.
func (s *Stream) WriteUint64(i uint64) error {
	bts := make([]byte, 8)
	binary.BigEndian.PutUint64(bts, i)
	_, err := s.Write(bts)
	return err
}
