package uvc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	usb "github.com/kevmo314/go-usb"
)

// USB class codes and class-specific descriptor constants.
const (
	classVideo            = 0x0E
	subclassVideoControl  = 0x01
	descCSInterface       = 0x24
	vcExtensionUnit       = 0x06
	extensionUnitMinBytes = 20 // bLength, bDescriptorType, bDescriptorSubtype, bUnitID, guidExtensionCode[16]
	descTypeDevice        = 0x01
	descTypeConfig        = 0x02
	deviceDescLength      = 18
	configDescLength      = 9
)

// Unit is a discovered extension unit and where it was found.
type Unit struct {
	ID         uint8
	GUID       [16]byte
	Config     uint8
	Interface  uint8
	AltSetting uint8
}

// FindExtensionUnit scans class-specific descriptor bytes for an extension
// unit whose GUID equals guid and returns its unit id. A record whose
// declared length is shorter than two bytes or runs past the end of extra
// stops the walk.
func FindExtensionUnit(extra []byte, guid [16]byte) (uint8, bool) {
	for off := 0; off+2 <= len(extra); {
		length := int(extra[off])
		if length < 2 || off+length > len(extra) {
			return 0, false
		}
		rec := extra[off : off+length]
		if length >= extensionUnitMinBytes &&
			rec[1] == descCSInterface &&
			rec[2] == vcExtensionUnit &&
			bytes.Equal(rec[4:20], guid[:]) {
			return rec[3], true
		}
		off += length
	}
	return 0, false
}

// FindUnitInConfig parses one raw configuration descriptor and searches the
// extra bytes of every video-control altsetting.
func FindUnitInConfig(raw []byte, guid [16]byte) (Unit, bool, error) {
	var cfg usb.ConfigDescriptor
	if err := cfg.Unmarshal(raw); err != nil {
		return Unit{}, false, fmt.Errorf("parse config descriptor: %w", err)
	}
	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			if alt.InterfaceClass != classVideo || alt.InterfaceSubClass != subclassVideoControl {
				continue
			}
			if id, ok := FindExtensionUnit(alt.Extra, guid); ok {
				return Unit{
					ID:         id,
					GUID:       guid,
					Config:     cfg.ConfigurationValue,
					Interface:  alt.InterfaceNumber,
					AltSetting: alt.AlternateSetting,
				}, true, nil
			}
		}
	}
	return Unit{}, false, nil
}

// ConfigSource returns the raw configuration descriptors of the USB device
// at bus/address.
type ConfigSource interface {
	RawConfigs(bus, address uint8) ([][]byte, error)
}

// ErrDeviceNotFound means no USB device answers at the requested address.
var ErrDeviceNotFound = errors.New("uvc: usb device not found")

// SysfsConfigSource reads the descriptors the kernel caches in sysfs, so
// the usbfs node (root-only by default) is never opened.
type SysfsConfigSource struct {
	// Devices enumerates USB devices. Defaults to go-usb's sysfs enumerator.
	Devices func() ([]*usb.SysfsDevice, error)
}

// RawConfigs implements ConfigSource.
func (s SysfsConfigSource) RawConfigs(bus, address uint8) ([][]byte, error) {
	enumerate := s.Devices
	if enumerate == nil {
		enumerate = usb.NewSysfsEnumerator().EnumerateDevices
	}
	devices, err := enumerate()
	if err != nil {
		return nil, fmt.Errorf("list usb devices: %w", err)
	}
	for _, dev := range devices {
		if dev.BusNum != bus || dev.DevNum != address {
			continue
		}
		path := filepath.Join(dev.Path, "descriptors")
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return SplitDescriptors(blob)
	}
	return nil, fmt.Errorf("%w: bus %d address %d", ErrDeviceNotFound, bus, address)
}

// ErrMalformedDescriptors means a sysfs descriptors blob could not be split.
var ErrMalformedDescriptors = errors.New("uvc: malformed descriptors")

// SplitDescriptors splits the contents of a sysfs descriptors file, the
// device descriptor followed by every configuration descriptor at its full
// wTotalLength, into raw configuration descriptors. Configurations read
// before a malformed one are returned with the error.
func SplitDescriptors(blob []byte) ([][]byte, error) {
	if len(blob) < deviceDescLength || blob[1] != descTypeDevice {
		return nil, fmt.Errorf("%w: no device descriptor", ErrMalformedDescriptors)
	}
	var configs [][]byte
	for off := int(blob[0]); off < len(blob); {
		if off+configDescLength > len(blob) || blob[off+1] != descTypeConfig {
			return configs, fmt.Errorf("%w: bad configuration header at offset %d", ErrMalformedDescriptors, off)
		}
		total := int(binary.LittleEndian.Uint16(blob[off+2:]))
		if total < configDescLength || off+total > len(blob) {
			return configs, fmt.Errorf("%w: configuration at offset %d declares %d bytes", ErrMalformedDescriptors, off, total)
		}
		configs = append(configs, blob[off:off+total])
		off += total
	}
	return configs, nil
}

// USBLocator finds the H.264 extension unit of one USB camera.
type USBLocator struct {
	Bus     uint8
	Address uint8
	Source  ConfigSource
	Logger  *slog.Logger
}

// LocateH264Unit walks every configuration descriptor of the device and
// returns the first matching unit id, or 0 when there is none. Descriptor
// access failures are logged and also yield 0: a camera we cannot inspect
// is treated as one without H.264 support.
func (l USBLocator) LocateH264Unit() uint8 {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	src := l.Source
	if src == nil {
		src = SysfsConfigSource{}
	}

	configs, err := src.RawConfigs(l.Bus, l.Address)
	if err != nil {
		logger.Warn("usb descriptor access failed", "bus", l.Bus, "address", l.Address, "error", err)
	}
	for i, raw := range configs {
		unit, ok, err := FindUnitInConfig(raw, H264GUID)
		if err != nil {
			logger.Warn("skipping unreadable config descriptor", "index", i, "error", err)
			continue
		}
		if ok {
			logger.Debug("found H.264 extension unit",
				"unit", unit.ID, "config", unit.Config, "interface", unit.Interface, "altsetting", unit.AltSetting)
			return unit.ID
		}
	}
	return 0
}
