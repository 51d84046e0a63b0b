package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

type fakeDecoder struct {
	width, height uint32
	closed        bool
	log           *[]string
}

func (f *fakeDecoder) Decode(out, in []byte) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	return copy(out, in), nil
}

func (f *fakeDecoder) Close() error {
	f.closed = true
	*f.log = append(*f.log, "close")
	return nil
}

func TestSlotHoldsOneDecoderPerResolution(t *testing.T) {
	var log []string
	var created []*fakeDecoder
	slot := NewSlot(func(w, h uint32) (Decoder, error) {
		log = append(log, "create")
		d := &fakeDecoder{width: w, height: h, log: &log}
		created = append(created, d)
		return d, nil
	}, nil)

	if _, err := slot.Decode(make([]byte, 8), []byte{1}); !errors.Is(err, ErrNoDecoder) {
		t.Fatalf("Decode before Resize error = %v, want ErrNoDecoder", err)
	}

	steps := []struct {
		w, h        uint32
		wantCreated int
	}{
		{640, 480, 1},
		{640, 480, 1},
		{1280, 720, 2},
		{640, 480, 3},
	}
	for _, s := range steps {
		if err := slot.Resize(s.w, s.h); err != nil {
			t.Fatal(err)
		}
		if len(created) != s.wantCreated {
			t.Fatalf("after %dx%d created = %d, want %d", s.w, s.h, len(created), s.wantCreated)
		}
		if got := slot.FrameSize(); got != FrameSize(s.w, s.h) {
			t.Errorf("FrameSize() = %d", got)
		}
	}

	live := 0
	for _, d := range created {
		if !d.closed {
			live++
		}
	}
	if live != 1 {
		t.Errorf("live decoders = %d, want 1", live)
	}
	// Each replacement closes the old decoder before creating the new one.
	want := []string{"create", "close", "create", "close", "create"}
	if len(log) != len(want) {
		t.Fatalf("lifecycle = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("lifecycle = %v, want %v", log, want)
		}
	}

	if err := slot.Close(); err != nil {
		t.Fatal(err)
	}
	if !created[2].closed || slot.FrameSize() != 0 {
		t.Error("Close did not release the decoder")
	}
}

func TestSlotFactoryError(t *testing.T) {
	boom := errors.New("no codec")
	slot := NewSlot(func(uint32, uint32) (Decoder, error) { return nil, boom }, nil)
	if err := slot.Resize(320, 240); !errors.Is(err, boom) {
		t.Fatalf("Resize() error = %v, want %v", err, boom)
	}
	if _, err := slot.Decode(make([]byte, 8), []byte{1}); !errors.Is(err, ErrNoDecoder) {
		t.Errorf("Decode() error = %v", err)
	}
}

// TestHelperProcess stands in for ffmpeg: it echoes stdin to stdout.
func TestHelperProcess(*testing.T) {
	if os.Getenv("UVCCAP_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("UVCCAP_HELPER_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "[h264 @ 0x55d0] [warning] no frame!")
		fmt.Fprintln(os.Stderr, "[error] Invalid data found when processing input")
		os.Exit(1)
	}
	_, _ = io.Copy(os.Stdout, os.Stdin)
	os.Exit(0)
}

func helperCommand(args []string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], append([]string{"-test.run=TestHelperProcess", "--"}, args...)...)
	cmd.Env = append(os.Environ(), "UVCCAP_WANT_HELPER_PROCESS=1")
	return cmd
}

func TestFFmpegDecode(t *testing.T) {
	// 4x2 yuv420p is 12 bytes.
	dec, err := NewFFmpeg(4, 2, withCommand(helperCommand))
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	if _, err := dec.Decode(make([]byte, 4), nil); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("Decode() with short buffer error = %v", err)
	}

	picture := []byte("abcdefghijkl")
	out := make([]byte, 12)
	n, err := dec.Decode(out, picture[:5])
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("Decode() = %d for a partial picture, want 0", n)
	}
	if n, err = dec.Decode(out, picture[5:]); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for n == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no picture produced")
		}
		time.Sleep(5 * time.Millisecond)
		if n, err = dec.Decode(out, nil); err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(out[:n], picture) {
		t.Errorf("picture = %q, want %q", out[:n], picture)
	}
}

func TestFFmpegClose(t *testing.T) {
	dec, err := NewFFmpeg(2, 2, withCommand(helperCommand))
	if err != nil {
		t.Fatal(err)
	}
	if err := dec.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dec.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := dec.Decode(make([]byte, 6), []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Decode() after Close error = %v, want ErrClosed", err)
	}
}

func TestFFmpegExitKeepsStderrError(t *testing.T) {
	failing := func(args []string) *exec.Cmd {
		cmd := helperCommand(args)
		cmd.Env = append(cmd.Env, "UVCCAP_HELPER_FAIL=1")
		return cmd
	}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dec, err := NewFFmpeg(4, 2, withCommand(failing), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	<-dec.exited
	_, err = dec.Decode(make([]byte, 12), nil)
	if err == nil || !strings.Contains(err.Error(), "Invalid data found when processing input") {
		t.Fatalf("Decode() error = %v, want the ffmpeg stderr error", err)
	}
	for _, want := range []string{"level=WARN", "no frame!", "level=ERROR"} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("logs missing %q:\n%s", want, logs.String())
		}
	}
}

func TestFFmpegArgs(t *testing.T) {
	joined := " " + strings.Join(ffmpegArgs(CodecMJPEG, 1280, 720), " ") + " "
	for _, want := range []string{" -f mjpeg -i pipe:0 ", " -pix_fmt yuv420p ", " -s 1280x720 ", " pipe:1 "} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestNewFFmpegRejectsZeroSize(t *testing.T) {
	if _, err := NewFFmpeg(0, 480); err == nil {
		t.Fatal("expected error for zero width")
	}
}
