//go:build linux

// Package v4l2 provides pure Go bindings to the Video4Linux2 (V4L2) API
// for device enumeration, format catalogs and streaming capture.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Device Enumeration
//
//	devices, err := v4l2.FindDevices()
//	for _, dev := range devices {
//	    fmt.Printf("%s: %s\n", dev.DevicePath, dev.DeviceName)
//	}
//
// # Capture
//
// Open negotiates a format and reserves the buffer ring. Frames are
// dequeued with AcquireFrame and must be returned with ReleaseFrame:
//
//	dev, err := v4l2.Open("/dev/video0", v4l2.Format{
//	    PixelFormat: v4l2.PixelFormatMJPEG,
//	    Width:       1280,
//	    Height:      720,
//	    Framerate:   v4l2.Framerate{Numerator: 1, Denominator: 30},
//	})
//	defer dev.Close()
//	dev.StartStreaming()
//	frame, err := dev.AcquireFrame(time.Second)
//	// use frame.Data
//	dev.ReleaseFrame(frame)
//
// Transient ioctl failures (EINTR, EAGAIN, ETIMEDOUT) are retried according
// to a RetryPolicy; other failures are returned as *Error with a code.
package v4l2
