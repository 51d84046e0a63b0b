package uvc

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestZeroUnitReturnsSentinels(t *testing.T) {
	fake := newFakeXU()
	ch := NewChannel(fake, 0, nil)

	byteGetters := map[string]func(Query) (uint8, error){
		"rate control":   ch.RateControlMode,
		"temporal scale": ch.TemporalScaleMode,
		"spatial scale":  ch.SpatialScaleMode,
	}
	for name, get := range byteGetters {
		t.Run(name, func(t *testing.T) {
			v, err := get(GetCur)
			if v != UnknownByte || !errors.Is(err, ErrNoStream) {
				t.Errorf("got %#x, %v; want %#x, ErrNoStream", v, err, UnknownByte)
			}
		})
	}

	t.Run("frame rate config", func(t *testing.T) {
		v, err := ch.FrameRateConfig(GetCur)
		if v != UnknownUint32 || !errors.Is(err, ErrNoStream) {
			t.Errorf("got %#x, %v", v, err)
		}
	})
	t.Run("bitrate layers", func(t *testing.T) {
		peak, avg, err := ch.BitrateLayers(GetCur)
		if peak != UnknownUint32 || avg != UnknownUint32 || !errors.Is(err, ErrNoStream) {
			t.Errorf("got %#x %#x, %v", peak, avg, err)
		}
	})
	t.Run("version", func(t *testing.T) {
		v, err := ch.Version()
		if v != UnknownUint16 || !errors.Is(err, ErrNoStream) {
			t.Errorf("got %#x, %v", v, err)
		}
	})
	t.Run("setters", func(t *testing.T) {
		for name, err := range map[string]error{
			"rate control": ch.SetRateControlMode(RateControlVBR),
			"picture type": ch.RequestPictureType(PictureIDR),
			"reset":        ch.ResetEncoder(),
			"frame rate":   ch.SetFrameRateConfig(333333),
		} {
			if !errors.Is(err, ErrNoStream) {
				t.Errorf("%s: error = %v, want ErrNoStream", name, err)
			}
		}
	})

	if len(fake.calls) != 0 {
		t.Errorf("device received %d requests for unit 0", len(fake.calls))
	}
}

func TestGetterFailureReturnsSentinel(t *testing.T) {
	fake := newFakeXU()
	fake.fail[SelectorRateControlMode] = unix.EPIPE
	fake.fail[SelectorFramerateConfig] = unix.EPIPE
	ch := NewChannel(fake, 3, nil)

	mode, err := ch.RateControlMode(GetCur)
	if mode != UnknownByte || !errors.Is(err, unix.EPIPE) {
		t.Errorf("RateControlMode() = %#x, %v", mode, err)
	}
	interval, err := ch.FrameRateConfig(GetMax)
	if interval != UnknownUint32 || !errors.Is(err, unix.EPIPE) {
		t.Errorf("FrameRateConfig() = %#x, %v", interval, err)
	}
}

func TestControlWireLayout(t *testing.T) {
	tests := []struct {
		name     string
		call     func(*Channel) error
		selector Selector
		want     []byte
	}{
		{
			name:     "rate control mode",
			call:     func(c *Channel) error { return c.SetRateControlMode(RateControlVBR) },
			selector: SelectorRateControlMode,
			want:     []byte{0x00, 0x00, 0x02},
		},
		{
			name:     "temporal scale mode",
			call:     func(c *Channel) error { return c.SetTemporalScaleMode(3) },
			selector: SelectorTemporalScaleMode,
			want:     []byte{0x00, 0x00, 0x03},
		},
		{
			name:     "spatial scale mode",
			call:     func(c *Channel) error { return c.SetSpatialScaleMode(1) },
			selector: SelectorSpatialScaleMode,
			want:     []byte{0x00, 0x00, 0x01},
		},
		{
			name:     "picture type",
			call:     func(c *Channel) error { return c.RequestPictureType(PictureIDR) },
			selector: SelectorPictureTypeControl,
			want:     []byte{0x00, 0x00, 0x01, 0x00},
		},
		{
			name:     "encoder reset",
			call:     func(c *Channel) error { return c.ResetEncoder() },
			selector: SelectorEncoderReset,
			want:     []byte{0x00, 0x00},
		},
		{
			name:     "frame rate config",
			call:     func(c *Channel) error { return c.SetFrameRateConfig(333333) },
			selector: SelectorFramerateConfig,
			want:     []byte{0x00, 0x00, 0x15, 0x16, 0x05, 0x00},
		},
		{
			name:     "bitrate layers",
			call:     func(c *Channel) error { return c.SetBitrateLayers(0x01020304, 3_000_000) },
			selector: SelectorBitrateLayers,
			want:     []byte{0x00, 0x00, 0x04, 0x03, 0x02, 0x01, 0xc0, 0xc6, 0x2d, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeXU()
			if err := tt.call(NewChannel(fake, 4, nil)); err != nil {
				t.Fatalf("call error = %v", err)
			}
			if len(fake.calls) != 1 {
				t.Fatalf("requests = %d, want 1", len(fake.calls))
			}
			c := fake.calls[0]
			if c.unit != 4 || c.selector != tt.selector || c.query != SetCur {
				t.Errorf("request = unit %d %s %s", c.unit, c.selector, c.query)
			}
			if !bytes.Equal(c.data, tt.want) {
				t.Errorf("payload = % x, want % x", c.data, tt.want)
			}
		})
	}
}

func TestGettersDecodeField(t *testing.T) {
	fake := newFakeXU()
	fake.cur[SelectorVersion] = le16(0x0100)
	fake.cur[SelectorRateControlMode] = []byte{0x00, 0x00, RateControlCBR | RateControlFixedFrameRate}
	fake.cur[SelectorFramerateConfig] = []byte{0x00, 0x00, 0x15, 0x16, 0x05, 0x00}
	fake.cur[SelectorBitrateLayers] = []byte{0x00, 0x00, 0x40, 0x42, 0x0f, 0x00, 0x20, 0xa1, 0x07, 0x00}
	ch := NewChannel(fake, 2, nil)

	if v, err := ch.Version(); err != nil || v != 0x0100 {
		t.Errorf("Version() = %#x, %v", v, err)
	}
	if v, err := ch.RateControlMode(GetCur); err != nil || v != 0x11 {
		t.Errorf("RateControlMode() = %#x, %v", v, err)
	}
	if v, err := ch.FrameRateConfig(GetCur); err != nil || v != 333333 {
		t.Errorf("FrameRateConfig() = %d, %v", v, err)
	}
	if peak, avg, err := ch.BitrateLayers(GetCur); err != nil || peak != 1_000_000 || avg != 500_000 {
		t.Errorf("BitrateLayers() = %d, %d, %v", peak, avg, err)
	}
}

func TestGetRejectsSetCur(t *testing.T) {
	ch := NewChannel(newFakeXU(), 1, nil)
	if _, err := ch.Get(SelectorVersion, SetCur, 2); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("Get(SET_CUR) error = %v, want ErrInvalidQuery", err)
	}
	if _, err := ch.RateControlMode(SetCur); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("RateControlMode(SET_CUR) error = %v, want ErrInvalidQuery", err)
	}
}

func TestParseQuery(t *testing.T) {
	for _, q := range []Query{GetCur, GetDef, GetMin, GetMax, GetRes, SetCur} {
		got, err := ParseQuery(q.String())
		if err != nil || got != q {
			t.Errorf("ParseQuery(%q) = %v, %v", q.String(), got, err)
		}
	}
	if _, err := ParseQuery("GET_FOO"); err == nil {
		t.Error("ParseQuery accepted GET_FOO")
	}
}
