// Package metrics provides Prometheus metrics for capture sessions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smazurov/uvccap/internal/events"
)

var (
	framesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvccap",
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Frames delivered to the consumer",
	}, []string{"device"})

	bytesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvccap",
		Subsystem: "capture",
		Name:      "bytes_total",
		Help:      "Payload bytes delivered to the consumer",
	}, []string{"device"})

	buffersInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "uvccap",
		Subsystem: "capture",
		Name:      "buffers_in_flight",
		Help:      "Ring buffers currently held by the consumer",
	}, []string{"device"})

	captureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvccap",
		Subsystem: "capture",
		Name:      "errors_total",
		Help:      "Capture errors by error code",
	}, []string{"device", "code"})

	ioctlRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvccap",
		Subsystem: "v4l2",
		Name:      "ioctl_retries_total",
		Help:      "Extra ioctl attempts caused by transient errors",
	}, []string{"device", "op"})

	negotiationMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvccap",
		Subsystem: "uvc",
		Name:      "negotiation_mismatches_total",
		Help:      "Probe fields the encoder granted differently than requested",
	}, []string{"device", "field"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uvccap",
		Subsystem: "decode",
		Name:      "errors_total",
		Help:      "Frames that failed to decode",
	}, []string{"device"})

	// Local cache for the CLI summary.
	cache   = make(map[string]*DeviceMetrics)
	cacheMu sync.RWMutex
)

// DeviceMetrics holds current metric values for a device.
type DeviceMetrics struct {
	Frames       uint64
	Bytes        uint64
	InFlight     int
	Errors       uint64
	Retries      uint64
	Mismatches   uint64
	DecodeErrors uint64
}

// RecordFrame counts one delivered frame.
func RecordFrame(device string, size, inFlight int) {
	framesCaptured.WithLabelValues(device).Inc()
	bytesCaptured.WithLabelValues(device).Add(float64(size))
	buffersInFlight.WithLabelValues(device).Set(float64(inFlight))
	updateCache(device, func(m *DeviceMetrics) {
		m.Frames++
		m.Bytes += uint64(size)
		m.InFlight = inFlight
	})
}

// RecordCaptureError counts a failed capture operation.
func RecordCaptureError(device, code string) {
	captureErrors.WithLabelValues(device, code).Inc()
	updateCache(device, func(m *DeviceMetrics) { m.Errors++ })
}

// RecordIoctlRetry counts the extra attempts of one ioctl.
func RecordIoctlRetry(device, op string, attempts int) {
	if attempts < 2 {
		return
	}
	ioctlRetries.WithLabelValues(device, op).Add(float64(attempts - 1))
	updateCache(device, func(m *DeviceMetrics) { m.Retries += uint64(attempts - 1) })
}

// RecordMismatch counts a negotiated field that was not granted.
func RecordMismatch(device, field string) {
	negotiationMismatches.WithLabelValues(device, field).Inc()
	updateCache(device, func(m *DeviceMetrics) { m.Mismatches++ })
}

// RecordDecodeError counts a frame that failed to decode.
func RecordDecodeError(device string) {
	decodeErrors.WithLabelValues(device).Inc()
	updateCache(device, func(m *DeviceMetrics) { m.DecodeErrors++ })
}

// DeleteDeviceMetrics removes all metrics for a device.
func DeleteDeviceMetrics(device string) {
	framesCaptured.DeleteLabelValues(device)
	bytesCaptured.DeleteLabelValues(device)
	buffersInFlight.DeleteLabelValues(device)
	decodeErrors.DeleteLabelValues(device)
	captureErrors.DeletePartialMatch(prometheus.Labels{"device": device})
	ioctlRetries.DeletePartialMatch(prometheus.Labels{"device": device})
	negotiationMismatches.DeletePartialMatch(prometheus.Labels{"device": device})

	cacheMu.Lock()
	delete(cache, device)
	cacheMu.Unlock()
}

// GetDeviceMetrics returns current metric values for a device.
func GetDeviceMetrics(device string) *DeviceMetrics {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	if m, ok := cache[device]; ok {
		dup := *m
		return &dup
	}
	return nil
}

func updateCache(device string, update func(*DeviceMetrics)) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	m, ok := cache[device]
	if !ok {
		m = &DeviceMetrics{}
		cache[device] = m
	}
	update(m)
}

// Subscribe feeds capture events from the bus into the metrics.
// Returns a function that removes all subscriptions.
func Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.FrameCapturedEvent) {
			RecordFrame(e.DevicePath, e.Bytes, e.InFlight)
		}),
		bus.Subscribe(func(e events.CaptureErrorEvent) {
			RecordCaptureError(e.DevicePath, e.Code)
		}),
		bus.Subscribe(func(e events.IoctlRetryEvent) {
			RecordIoctlRetry(e.DevicePath, e.Op, e.Attempts)
		}),
		bus.Subscribe(func(e events.NegotiationMismatchEvent) {
			RecordMismatch(e.DevicePath, e.Field)
		}),
		bus.Subscribe(func(e events.DecodeErrorEvent) {
			RecordDecodeError(e.DevicePath)
		}),
		bus.Subscribe(func(e events.DeviceRemovedEvent) {
			buffersInFlight.WithLabelValues(e.DevicePath).Set(0)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
