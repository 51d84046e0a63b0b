package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeFrameCaptured uint32 = iota + 1
	TypeCaptureError
	TypeIoctlRetry
	TypeNegotiationMismatch
	TypeH264Support
	TypeDecodeError
	TypeControlsApplied
	TypeDeviceRemoved
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// FrameCapturedEvent is published for every frame handed to the consumer.
type FrameCapturedEvent struct {
	DevicePath string `json:"device_path"`
	Sequence   uint32 `json:"sequence"`
	Bytes      int    `json:"bytes"`
	InFlight   int    `json:"in_flight"`
}

// Type returns the event type identifier for FrameCapturedEvent.
func (e FrameCapturedEvent) Type() uint32 { return TypeFrameCaptured }

// CaptureErrorEvent represents a capture operation that failed.
type CaptureErrorEvent struct {
	DevicePath string    `json:"device_path"`
	Op         string    `json:"op"`
	Code       string    `json:"code"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for CaptureErrorEvent.
func (e CaptureErrorEvent) Type() uint32 { return TypeCaptureError }

// IoctlRetryEvent is published when an ioctl needed more than one attempt.
type IoctlRetryEvent struct {
	DevicePath string `json:"device_path"`
	Op         string `json:"op"`
	Attempts   int    `json:"attempts"`
	Failed     bool   `json:"failed"`
}

// Type returns the event type identifier for IoctlRetryEvent.
func (e IoctlRetryEvent) Type() uint32 { return TypeIoctlRetry }

// NegotiationMismatchEvent reports a probe field the encoder did not grant
// as requested. The granted value is the one in effect.
type NegotiationMismatchEvent struct {
	DevicePath string    `json:"device_path"`
	Field      string    `json:"field"`
	Requested  uint32    `json:"requested"`
	Granted    uint32    `json:"granted"`
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for NegotiationMismatchEvent.
func (e NegotiationMismatchEvent) Type() uint32 { return TypeNegotiationMismatch }

// H264SupportEvent carries the H.264 classification of an opened device.
type H264SupportEvent struct {
	DevicePath string `json:"device_path"`
	Support    string `json:"support"`
	Unit       uint8  `json:"unit"`
	Version    uint16 `json:"version"`
}

// Type returns the event type identifier for H264SupportEvent.
func (e H264SupportEvent) Type() uint32 { return TypeH264Support }

// DecodeErrorEvent is published when a frame could not be decoded.
type DecodeErrorEvent struct {
	DevicePath string `json:"device_path"`
	Error      string `json:"error"`
}

// Type returns the event type identifier for DecodeErrorEvent.
func (e DecodeErrorEvent) Type() uint32 { return TypeDecodeError }

// ControlsAppliedEvent is published after encoder controls were written,
// with the names of the controls the device rejected.
type ControlsAppliedEvent struct {
	DevicePath string   `json:"device_path"`
	Applied    int      `json:"applied"`
	Rejected   []string `json:"rejected,omitempty"`
}

// Type returns the event type identifier for ControlsAppliedEvent.
func (e ControlsAppliedEvent) Type() uint32 { return TypeControlsApplied }

// DeviceRemovedEvent represents a capture device disappearing from the bus.
type DeviceRemovedEvent struct {
	DevicePath string    `json:"device_path"`
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for DeviceRemovedEvent.
func (e DeviceRemovedEvent) Type() uint32 { return TypeDeviceRemoved }
