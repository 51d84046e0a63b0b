package uvc

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	usb "github.com/kevmo314/go-usb"
)

var otherGUID = [16]byte{0xde, 0xad, 0xbe, 0xef}

func xuRecord(unit uint8, guid [16]byte) []byte {
	rec := make([]byte, 26)
	rec[0] = 26
	rec[1] = descCSInterface
	rec[2] = vcExtensionUnit
	rec[3] = unit
	copy(rec[4:20], guid[:])
	rec[20] = 16 // bNumControls
	rec[21] = 1  // bNrInPins
	rec[22] = 1  // baSourceID
	rec[23] = 2  // bControlSize
	rec[24], rec[25] = 0xff, 0xff
	return rec
}

func vcHeader() []byte {
	return []byte{13, descCSInterface, 0x01, 0x00, 0x01, 0x33, 0x00, 0x80, 0x8d, 0x5b, 0x00, 0x01, 0x01}
}

func inputTerminal() []byte {
	return []byte{18, descCSInterface, 0x02, 1, 0x01, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 3, 0x0e, 0x00, 0x00}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestFindExtensionUnit(t *testing.T) {
	tests := []struct {
		name   string
		extra  []byte
		wantID uint8
		wantOK bool
	}{
		{"only record", xuRecord(3, H264GUID), 3, true},
		{"after header and terminal", concat(vcHeader(), inputTerminal(), xuRecord(12, H264GUID)), 12, true},
		{"before trailing records", concat(xuRecord(4, H264GUID), inputTerminal(), xuRecord(5, otherGUID)), 4, true},
		{"skips other vendor unit", concat(vcHeader(), xuRecord(2, otherGUID), xuRecord(6, H264GUID), inputTerminal()), 6, true},
		{"no matching guid", concat(vcHeader(), xuRecord(2, otherGUID)), 0, false},
		{"empty", nil, 0, false},
		{"single byte", []byte{26}, 0, false},
		{"truncated final record", concat(vcHeader(), xuRecord(7, H264GUID)[:10]), 0, false},
		{"length overruns by one", concat(vcHeader(), func() []byte {
			r := xuRecord(7, H264GUID)
			r[0] = 27
			return r
		}()), 0, false},
		{"zero length record stops walk", concat([]byte{0, descCSInterface}, xuRecord(8, H264GUID)), 0, false},
		{"length one record stops walk", concat([]byte{1, descCSInterface}, xuRecord(8, H264GUID)), 0, false},
		{"short record with unit subtype", concat([]byte{4, descCSInterface, vcExtensionUnit, 9}, xuRecord(10, H264GUID)), 10, true},
		{"wrong subtype", func() []byte {
			r := xuRecord(7, H264GUID)
			r[2] = 0x05
			return r
		}(), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := FindExtensionUnit(tt.extra, H264GUID)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("FindExtensionUnit() = %d, %v, want %d, %v", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func interfaceDesc(num, alt, class, subclass uint8) []byte {
	return []byte{9, 0x04, num, alt, 0, class, subclass, 0, 0}
}

func configDesc(body ...[]byte) []byte {
	rest := concat(body...)
	hdr := []byte{9, 0x02, 0, 0, 2, 1, 0, 0x80, 250}
	binary.LittleEndian.PutUint16(hdr[2:], uint16(9+len(rest)))
	return append(hdr, rest...)
}

func TestFindUnitInConfig(t *testing.T) {
	raw := configDesc(
		interfaceDesc(0, 0, classVideo, subclassVideoControl),
		vcHeader(),
		inputTerminal(),
		xuRecord(9, H264GUID),
		interfaceDesc(1, 0, classVideo, 0x02),
		xuRecord(11, H264GUID),
	)

	unit, ok, err := FindUnitInConfig(raw, H264GUID)
	if err != nil {
		t.Fatalf("FindUnitInConfig() error = %v", err)
	}
	if !ok || unit.ID != 9 || unit.Interface != 0 || unit.Config != 1 {
		t.Errorf("FindUnitInConfig() = %+v, %v", unit, ok)
	}
}

func TestFindUnitInConfigIgnoresStreamingInterface(t *testing.T) {
	raw := configDesc(
		interfaceDesc(0, 0, classVideo, subclassVideoControl),
		vcHeader(),
		interfaceDesc(1, 0, classVideo, 0x02),
		xuRecord(11, H264GUID),
	)

	if unit, ok, err := FindUnitInConfig(raw, H264GUID); err != nil || ok {
		t.Errorf("FindUnitInConfig() = %+v, %v, %v; want not found", unit, ok, err)
	}
}

type fakeSource struct {
	configs [][]byte
	err     error
}

func (f fakeSource) RawConfigs(bus, address uint8) ([][]byte, error) {
	return f.configs, f.err
}

func TestUSBLocator(t *testing.T) {
	withUnit := configDesc(interfaceDesc(0, 0, classVideo, subclassVideoControl), vcHeader(), xuRecord(5, H264GUID))
	without := configDesc(interfaceDesc(0, 0, classVideo, subclassVideoControl), vcHeader())

	tests := []struct {
		name   string
		source fakeSource
		want   uint8
	}{
		{"found in first config", fakeSource{configs: [][]byte{withUnit}}, 5},
		{"found in second config", fakeSource{configs: [][]byte{without, withUnit}}, 5},
		{"malformed config skipped", fakeSource{configs: [][]byte{{1, 2, 3}, withUnit}}, 5},
		{"no unit", fakeSource{configs: [][]byte{without}}, 0},
		{"enumeration failure", fakeSource{err: ErrDeviceNotFound}, 0},
		{"partial read keeps configs", fakeSource{configs: [][]byte{withUnit}, err: errors.New("config 1: EPIPE")}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := USBLocator{Bus: 1, Address: 4, Source: tt.source}
			if got := l.LocateH264Unit(); got != tt.want {
				t.Errorf("LocateH264Unit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func deviceDesc(numConfigs uint8) []byte {
	return []byte{18, 0x01, 0x00, 0x02, 0xef, 0x02, 0x01, 64, 0x6d, 0x04, 0x2d, 0x08, 0x11, 0x00, 0, 2, 0, numConfigs}
}

func TestSplitDescriptors(t *testing.T) {
	first := configDesc(interfaceDesc(0, 0, classVideo, subclassVideoControl), vcHeader())
	second := configDesc(interfaceDesc(0, 0, classVideo, subclassVideoControl), xuRecord(5, H264GUID))

	tests := []struct {
		name    string
		blob    []byte
		want    int
		wantErr bool
	}{
		{"one config", concat(deviceDesc(1), first), 1, false},
		{"two configs", concat(deviceDesc(2), first, second), 2, false},
		{"device descriptor only", deviceDesc(0), 0, false},
		{"empty", nil, 0, true},
		{"not a device descriptor", first, 0, true},
		{"truncated second config", concat(deviceDesc(2), first, second[:12]), 1, true},
		{"trailing garbage", concat(deviceDesc(1), first, []byte{0x05, 0x04}), 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitDescriptors(tt.blob)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SplitDescriptors() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedDescriptors) {
				t.Errorf("SplitDescriptors() error = %v, want ErrMalformedDescriptors", err)
			}
			if len(got) != tt.want {
				t.Errorf("SplitDescriptors() returned %d configs, want %d", len(got), tt.want)
			}
		})
	}
}

func TestSysfsConfigSource(t *testing.T) {
	dir := t.TempDir()
	camera := filepath.Join(dir, "1-1.2")
	if err := os.Mkdir(camera, 0o755); err != nil {
		t.Fatal(err)
	}
	blob := concat(deviceDesc(1), configDesc(
		interfaceDesc(0, 0, classVideo, subclassVideoControl),
		vcHeader(),
		inputTerminal(),
		xuRecord(12, H264GUID),
	))
	if err := os.WriteFile(filepath.Join(camera, "descriptors"), blob, 0o444); err != nil {
		t.Fatal(err)
	}

	src := SysfsConfigSource{Devices: func() ([]*usb.SysfsDevice, error) {
		return []*usb.SysfsDevice{
			{Path: filepath.Join(dir, "usb1"), BusNum: 1, DevNum: 1},
			{Path: camera, BusNum: 1, DevNum: 7},
		}, nil
	}}

	l := USBLocator{Bus: 1, Address: 7, Source: src}
	if got := l.LocateH264Unit(); got != 12 {
		t.Errorf("LocateH264Unit() = %d, want 12", got)
	}

	if _, err := src.RawConfigs(1, 9); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("RawConfigs(unknown) error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := src.RawConfigs(1, 1); err == nil {
		t.Error("RawConfigs() without descriptors file succeeded")
	}
}
