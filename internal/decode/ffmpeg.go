package decode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Input codecs understood by the ffmpeg decoder.
const (
	CodecH264  = "h264"
	CodecMJPEG = "mjpeg"
)

const (
	pictureQueue = 4
	closeTimeout = 2 * time.Second
)

// FFmpeg decodes through an ffmpeg child process: compressed frames go to
// its stdin, fixed-size yuv420p pictures come back on stdout.
type FFmpeg struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pictures  chan []byte
	frameSize int
	logger    *slog.Logger

	mu        sync.Mutex
	err       error
	lastError string
	closed    bool
	exited    chan struct{}
	// closed once stderr hits EOF; cmd.Wait must not run before that.
	stderrDone chan struct{}
}

// FFmpegOption configures NewFFmpeg.
type FFmpegOption func(*ffmpegConfig)

type ffmpegConfig struct {
	path    string
	codec   string
	logger  *slog.Logger
	command func(args []string) *exec.Cmd
}

// WithFFmpegPath sets the ffmpeg binary. Default "ffmpeg".
func WithFFmpegPath(path string) FFmpegOption {
	return func(c *ffmpegConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithCodec selects the input codec. Default CodecH264.
func WithCodec(codec string) FFmpegOption {
	return func(c *ffmpegConfig) { c.codec = codec }
}

// WithLogger sets the logger receiving ffmpeg's stderr.
func WithLogger(logger *slog.Logger) FFmpegOption {
	return func(c *ffmpegConfig) { c.logger = logger }
}

// NewFFmpegFactory returns a Factory that starts one ffmpeg per resolution.
func NewFFmpegFactory(opts ...FFmpegOption) Factory {
	return func(width, height uint32) (Decoder, error) {
		return NewFFmpeg(width, height, opts...)
	}
}

// NewFFmpeg starts an ffmpeg decoder producing width x height pictures.
func NewFFmpeg(width, height uint32, opts ...FFmpegOption) (*FFmpeg, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("decode: invalid resolution %dx%d", width, height)
	}
	cfg := ffmpegConfig{path: "ffmpeg", codec: CodecH264, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	args := ffmpegArgs(cfg.codec, width, height)
	var cmd *exec.Cmd
	if cfg.command != nil {
		cmd = cfg.command(args)
	} else {
		cmd = exec.Command(cfg.path, args...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.path, err)
	}

	f := &FFmpeg{
		cmd:       cmd,
		stdin:     stdin,
		pictures:  make(chan []byte, pictureQueue),
		frameSize: FrameSize(width, height),
		logger:    cfg.logger.With("width", width, "height", height),
		exited:    make(chan struct{}),

		stderrDone: make(chan struct{}),
	}
	f.logger.Debug("Started ffmpeg decoder", "pid", cmd.Process.Pid, "codec", cfg.codec)

	go f.logStderr(stderr)
	go f.readPictures(stdout)
	return f, nil
}

func ffmpegArgs(codec string, width, height uint32) []string {
	size := strconv.FormatUint(uint64(width), 10) + "x" + strconv.FormatUint(uint64(height), 10)
	return []string{
		"-hide_banner", "-nostats", "-loglevel", "level+warning",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-f", codec, "-i", "pipe:0",
		"-f", "rawvideo", "-pix_fmt", "yuv420p", "-s", size,
		"pipe:1",
	}
}

// Decode feeds in to ffmpeg and copies out the oldest finished picture, if
// any. An empty in only collects pictures.
func (f *FFmpeg) Decode(out, in []byte) (int, error) {
	if len(out) < f.frameSize {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(out), f.frameSize)
	}
	if err := f.failure(); err != nil {
		return 0, err
	}

	if len(in) > 0 {
		if _, err := f.stdin.Write(in); err != nil {
			f.fail(fmt.Errorf("write to ffmpeg: %w", err))
			return 0, f.failure()
		}
	}

	select {
	case pic, ok := <-f.pictures:
		if !ok {
			return 0, f.failure()
		}
		return copy(out, pic), nil
	default:
		return 0, nil
	}
}

// Close stops ffmpeg. Pending pictures are discarded.
func (f *FFmpeg) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	_ = f.stdin.Close()
	select {
	case <-f.exited:
	case <-time.After(closeTimeout):
		f.logger.Warn("ffmpeg did not exit, killing", "pid", f.cmd.Process.Pid)
		_ = f.cmd.Process.Kill()
		<-f.exited
	}
	return nil
}

func (f *FFmpeg) readPictures(stdout io.Reader) {
	defer close(f.exited)
	defer close(f.pictures)

	for {
		pic := make([]byte, f.frameSize)
		if _, err := io.ReadFull(stdout, pic); err != nil {
			if !errors.Is(err, io.EOF) {
				f.fail(fmt.Errorf("read from ffmpeg: %w", err))
			}
			break
		}
		select {
		case f.pictures <- pic:
		default:
			// Consumer is behind: drop the oldest picture.
			select {
			case <-f.pictures:
			default:
			}
			f.pictures <- pic
		}
	}

	<-f.stderrDone
	if err := f.cmd.Wait(); err != nil && !f.isClosed() {
		if last := f.lastStderrError(); last != "" {
			err = fmt.Errorf("%w: %s", err, last)
		}
		f.fail(fmt.Errorf("ffmpeg exited: %w", err))
	}
	f.fail(ErrClosed)
}

func (f *FFmpeg) logStderr(r io.Reader) {
	defer close(f.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		level, msg := parseLogLine(scanner.Text())
		f.logger.Log(context.Background(), level, msg, "source", "ffmpeg")
		if level >= slog.LevelError {
			f.mu.Lock()
			f.lastError = msg
			f.mu.Unlock()
		}
	}
	// Scan stops on an overlong line; keep the pipe drained until EOF.
	_, _ = io.Copy(io.Discard, r)
}

func (f *FFmpeg) lastStderrError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastError
}

// fail records the first error; later calls keep it.
func (f *FFmpeg) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *FFmpeg) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.err
}

func (f *FFmpeg) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func withCommand(fn func(args []string) *exec.Cmd) FFmpegOption {
	return func(c *ffmpegConfig) { c.command = fn }
}
