//go:build linux

package v4l2

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"
)

// sysfsRoot is swapped by tests.
var sysfsRoot = "/sys"

// FindDevices finds all V4L2 video capture devices on the system.
func FindDevices() ([]DeviceInfo, error) {
	classDir := filepath.Join(sysfsRoot, "class", "video4linux")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []DeviceInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	k := sysKernel{}
	logger := slog.With("component", "v4l2")
	var devices []DeviceInfo

	for _, entry := range entries {
		devicePath := "/dev/" + entry.Name()

		fd, err := k.open(devicePath)
		if err != nil {
			logger.Debug("failed to open video device", "path", devicePath, "error", err)
			continue
		}

		cap := v4l2Capability{}
		err = k.ioctl(fd, vidiocQuerycap, unsafe.Pointer(&cap))
		k.close(fd)
		if err != nil {
			logger.Debug("failed to query device capabilities", "path", devicePath, "error", err)
			continue
		}

		caps := effectiveCaps(&cap)
		if caps&v4l2CapVideoCapture == 0 {
			continue
		}

		indexValue := readSysfsInt(filepath.Join(classDir, entry.Name(), "index"))
		stableID := findStableID(entry.Name(), indexValue)
		if stableID == "" {
			busInfo := cstr(cap.busInfo[:])
			if strings.HasPrefix(busInfo, "usb-") {
				stableID = fmt.Sprintf("%s-video-index%d", busInfo, indexValue)
			} else {
				stableID = fmt.Sprintf("platform-%s-video-index%d", busInfo, indexValue)
			}
		}

		devices = append(devices, DeviceInfo{
			DevicePath: devicePath,
			DeviceName: cstr(cap.card[:]),
			DeviceID:   stableID,
			Caps:       caps,
		})
	}

	return devices, nil
}

// USBAddress resolves the USB bus number and device address behind a video
// node by following its sysfs device link up to the USB device directory.
func USBAddress(devicePath string) (bus, address uint8, err error) {
	if resolved, err := filepath.EvalSymlinks(devicePath); err == nil {
		devicePath = resolved
	}
	link := filepath.Join(sysfsRoot, "class", "video4linux", filepath.Base(devicePath), "device")
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve %s: %w", link, err)
	}

	// The link points at the USB interface; busnum/devnum live on an ancestor.
	for d := dir; d != "/" && d != "."; d = filepath.Dir(d) {
		b, errB := readSysfsUint8(filepath.Join(d, "busnum"))
		a, errA := readSysfsUint8(filepath.Join(d, "devnum"))
		if errB == nil && errA == nil {
			return b, a, nil
		}
	}
	return 0, 0, fmt.Errorf("%s is not a USB device", devicePath)
}

func effectiveCaps(cap *v4l2Capability) uint32 {
	if cap.capabilities&v4l2CapDeviceCaps != 0 {
		return cap.deviceCaps
	}
	return cap.capabilities
}

// findStableID looks for a stable ID symlink in /dev/v4l/by-id/
func findStableID(deviceName string, indexValue int) string {
	byIDDir := "/dev/v4l/by-id"
	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		return ""
	}

	expectedSuffix := fmt.Sprintf("-video-index%d", indexValue)

	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		target, err := os.Readlink(filepath.Join(byIDDir, entry.Name()))
		if err != nil {
			continue
		}
		if filepath.Base(target) == deviceName && strings.HasSuffix(entry.Name(), expectedSuffix) {
			return entry.Name()
		}
	}

	return ""
}

// readSysfsInt reads an integer value from a sysfs file.
func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return val
}

func readSysfsUint8(path string) (uint8, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 8)
	return uint8(v), err
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
