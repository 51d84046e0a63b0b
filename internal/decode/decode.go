// Package decode turns compressed capture frames into raw pictures.
//
// A Decoder is an owned resource with an explicit create/decode/close
// lifecycle. Slot keeps at most one decoder alive and recreates it when the
// negotiated resolution changes.
package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrShortBuffer is returned when the output buffer cannot hold one picture.
	ErrShortBuffer = errors.New("decode: output buffer too small")
	// ErrClosed is returned by a decoder after Close or after its backend exited.
	ErrClosed = errors.New("decode: decoder closed")
	// ErrNoDecoder is returned by Slot.Decode before a resolution was set.
	ErrNoDecoder = errors.New("decode: no decoder for current resolution")
)

// Decoder decodes one compressed buffer per call. Decode writes at most one
// picture into out and returns its size; 0 means no picture was produced by
// this call.
type Decoder interface {
	Decode(out, in []byte) (int, error)
	Close() error
}

// Factory creates a decoder for a resolution.
type Factory func(width, height uint32) (Decoder, error)

// FrameSize is the size of one yuv420p picture.
func FrameSize(width, height uint32) int {
	return int(width) * int(height) * 3 / 2
}

// Slot owns the decoder of the active resolution.
type Slot struct {
	mu      sync.Mutex
	factory Factory
	dec     Decoder
	width   uint32
	height  uint32
	logger  *slog.Logger
}

// NewSlot returns an empty slot.
func NewSlot(factory Factory, logger *slog.Logger) *Slot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slot{factory: factory, logger: logger}
}

// Resize makes the slot hold a decoder for width x height. The previous
// decoder is closed before the new one is created; the same resolution
// keeps the current decoder.
func (s *Slot) Resize(width, height uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dec != nil && s.width == width && s.height == height {
		return nil
	}
	if s.dec != nil {
		if err := s.dec.Close(); err != nil {
			s.logger.Warn("Failed to close decoder", "width", s.width, "height", s.height, "error", err)
		}
		s.dec = nil
	}

	dec, err := s.factory(width, height)
	if err != nil {
		return fmt.Errorf("create decoder %dx%d: %w", width, height, err)
	}
	s.dec, s.width, s.height = dec, width, height
	s.logger.Debug("Decoder ready", "width", width, "height", height)
	return nil
}

// Decode forwards to the current decoder.
func (s *Slot) Decode(out, in []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dec == nil {
		return 0, ErrNoDecoder
	}
	return s.dec.Decode(out, in)
}

// FrameSize is the picture size at the current resolution, 0 when empty.
func (s *Slot) FrameSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dec == nil {
		return 0
	}
	return FrameSize(s.width, s.height)
}

// Close releases the current decoder.
func (s *Slot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dec == nil {
		return nil
	}
	err := s.dec.Close()
	s.dec = nil
	return err
}
