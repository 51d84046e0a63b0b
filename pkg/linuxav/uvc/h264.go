package uvc

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/smazurov/uvccap/pkg/linuxav/v4l2"
)

// ProbeCommit is the UVCX_VIDEO_CONFIG_PROBE / COMMIT record, 46 bytes on
// the wire.
type ProbeCommit struct {
	FrameInterval           uint32 // 100ns units
	BitRate                 uint32
	Hints                   uint16
	ConfigurationIndex      uint16
	Width                   uint16
	Height                  uint16
	SliceUnits              uint16
	SliceMode               uint16
	Profile                 uint16
	IFramePeriod            uint16
	EstimatedVideoDelay     uint16
	EstimatedMaxConfigDelay uint16
	UsageType               uint8
	RateControlMode         uint8
	TemporalScaleMode       uint8
	SpatialScaleMode        uint8
	SNRScaleMode            uint8
	StreamMuxOption         uint8
	StreamFormat            uint8
	EntropyCABAC            uint8
	Timestamp               uint8
	NumOfReorderFrames      uint8
	PreviewFlipped          uint8
	View                    uint8
	Reserved1               uint8
	Reserved2               uint8
	StreamID                uint8
	SpatialLayerRatio       uint8
	LeakyBucketSize         uint16
}

// ProbeCommitSize is the wire size of ProbeCommit.
const ProbeCommitSize = 46

// MarshalBinary encodes the record little-endian.
func (pc ProbeCommit) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ProbeCommitSize)
	if _, err := binary.Encode(buf, binary.LittleEndian, &pc); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBinary decodes a record; trailing bytes are ignored.
func (pc *ProbeCommit) UnmarshalBinary(data []byte) error {
	if len(data) < ProbeCommitSize {
		return fmt.Errorf("probe/commit record: %d bytes, want %d", len(data), ProbeCommitSize)
	}
	_, err := binary.Decode(data, binary.LittleEndian, pc)
	return err
}

// LogValue renders the record for debug logging.
func (pc ProbeCommit) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("dwFrameInterval", uint64(pc.FrameInterval)),
		slog.Uint64("dwBitRate", uint64(pc.BitRate)),
		slog.String("bmHints", fmt.Sprintf("0x%04x", pc.Hints)),
		slog.Uint64("wConfigurationIndex", uint64(pc.ConfigurationIndex)),
		slog.Uint64("wWidth", uint64(pc.Width)),
		slog.Uint64("wHeight", uint64(pc.Height)),
		slog.Uint64("wSliceUnits", uint64(pc.SliceUnits)),
		slog.Uint64("wSliceMode", uint64(pc.SliceMode)),
		slog.String("wProfile", fmt.Sprintf("0x%04x", pc.Profile)),
		slog.Uint64("wIFramePeriod", uint64(pc.IFramePeriod)),
		slog.Uint64("wEstimatedVideoDelay", uint64(pc.EstimatedVideoDelay)),
		slog.Uint64("wEstimatedMaxConfigDelay", uint64(pc.EstimatedMaxConfigDelay)),
		slog.Uint64("bUsageType", uint64(pc.UsageType)),
		slog.Uint64("bRateControlMode", uint64(pc.RateControlMode)),
		slog.Uint64("bTemporalScaleMode", uint64(pc.TemporalScaleMode)),
		slog.Uint64("bSpatialScaleMode", uint64(pc.SpatialScaleMode)),
		slog.Uint64("bSNRScaleMode", uint64(pc.SNRScaleMode)),
		slog.Uint64("bStreamMuxOption", uint64(pc.StreamMuxOption)),
		slog.Uint64("bStreamFormat", uint64(pc.StreamFormat)),
		slog.Uint64("bEntropyCABAC", uint64(pc.EntropyCABAC)),
		slog.Uint64("bTimestamp", uint64(pc.Timestamp)),
		slog.Uint64("bNumOfReorderFrames", uint64(pc.NumOfReorderFrames)),
		slog.Uint64("bPreviewFlipped", uint64(pc.PreviewFlipped)),
		slog.Uint64("bView", uint64(pc.View)),
		slog.Uint64("bStreamID", uint64(pc.StreamID)),
		slog.Uint64("bSpatialLayerRatio", uint64(pc.SpatialLayerRatio)),
		slog.Uint64("wLeakyBucketSize", uint64(pc.LeakyBucketSize)),
	)
}

// FrameInterval converts a frame period fraction (seconds per frame) to
// 100ns units, rounded to nearest: 1/30 gives 333333.
func FrameInterval(fr v4l2.Framerate) uint32 {
	if fr.Denominator == 0 {
		return 0
	}
	num := uint64(fr.Numerator) * 10_000_000
	den := uint64(fr.Denominator)
	return uint32((2*num + den) / (2 * den))
}

// FramerateFromInterval is the inverse of FrameInterval, reduced.
func FramerateFromInterval(interval uint32) v4l2.Framerate {
	if interval == 0 {
		return v4l2.Framerate{}
	}
	r := new(big.Rat).SetFrac64(int64(interval), 10_000_000)
	return v4l2.Framerate{
		Numerator:   uint32(r.Num().Int64()),
		Denominator: uint32(r.Denom().Int64()),
	}
}

// NegotiationState is a step of the probe/commit sequence.
type NegotiationState int

// Negotiation states in order.
const (
	StateReset NegotiationState = iota
	StateProbeDefault
	StateProbeRequested
	StateProbeConfirmed
	StateCommitted
)

func (s NegotiationState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateProbeDefault:
		return "PROBE_DEFAULT"
	case StateProbeRequested:
		return "PROBE_REQUESTED"
	case StateProbeConfirmed:
		return "PROBE_CONFIRMED"
	case StateCommitted:
		return "COMMITTED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Mismatch records a parameter the device granted differently from the
// request.
type Mismatch struct {
	Field     string
	Requested uint32
	Granted   uint32
}

// Result is the outcome of a committed negotiation. Width, Height and
// Framerate are the device's values and are authoritative.
type Result struct {
	Config     ProbeCommit
	Width      uint32
	Height     uint32
	Framerate  v4l2.Framerate
	Mismatches []Mismatch
}

// NegotiatorOption configures a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithMismatchHandler is called for every parameter the device changed.
func WithMismatchHandler(fn func(Mismatch)) NegotiatorOption {
	return func(n *Negotiator) { n.onMismatch = fn }
}

// WithProbeOverlay lets the caller adjust the proposed record after the
// resolution, interval and mux option are applied.
func WithProbeOverlay(fn func(*ProbeCommit)) NegotiatorOption {
	return func(n *Negotiator) { n.overlay = fn }
}

// Negotiator runs the H.264 probe/commit sequence on a channel. It is not
// safe for concurrent use; callers serialize it with other device access.
type Negotiator struct {
	ch         *Channel
	logger     *slog.Logger
	state      NegotiationState
	onMismatch func(Mismatch)
	overlay    func(*ProbeCommit)
}

// NewNegotiator creates a negotiator in the RESET state.
func NewNegotiator(ch *Channel, logger *slog.Logger, opts ...NegotiatorOption) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Negotiator{ch: ch, logger: logger}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// State returns the last state entered.
func (n *Negotiator) State() NegotiationState { return n.state }

// Negotiate configures the encoder for width x height at fr. Every call
// starts again from RESET. The encoder reset is best-effort; a failed probe
// or commit aborts with an error and leaves State at the failing step.
func (n *Negotiator) Negotiate(width, height uint32, fr v4l2.Framerate) (Result, error) {
	if width > 0xFFFF || height > 0xFFFF {
		return Result{}, fmt.Errorf("resolution %dx%d exceeds probe record range", width, height)
	}

	n.enter(StateReset)
	if err := n.ch.ResetEncoder(); err != nil {
		n.logger.Warn("encoder reset failed, continuing", "error", err)
	}

	n.enter(StateProbeDefault)
	cfg, err := n.ch.Probe(GetDef)
	if err != nil {
		return Result{}, fmt.Errorf("probe defaults: %w", err)
	}

	n.enter(StateProbeRequested)
	interval := FrameInterval(fr)
	cfg.Width = uint16(width)
	cfg.Height = uint16(height)
	cfg.FrameInterval = interval
	cfg.StreamMuxOption = StreamMuxH264
	if n.overlay != nil {
		n.overlay(&cfg)
	}
	if err := n.ch.SetProbe(cfg); err != nil {
		return Result{}, fmt.Errorf("probe request: %w", err)
	}

	n.enter(StateProbeConfirmed)
	got, err := n.ch.Probe(GetCur)
	if err != nil {
		return Result{}, fmt.Errorf("probe readback: %w", err)
	}

	res := Result{
		Config:    got,
		Width:     uint32(got.Width),
		Height:    uint32(got.Height),
		Framerate: fr,
	}
	n.compare(&res, "width", width, uint32(got.Width))
	n.compare(&res, "height", height, uint32(got.Height))
	if n.compare(&res, "frame_interval", interval, got.FrameInterval) {
		res.Framerate = FramerateFromInterval(got.FrameInterval)
	}

	if err := n.ch.Commit(got); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	n.enter(StateCommitted)
	n.logger.Debug("H.264 configuration committed", "config", got)

	return res, nil
}

func (n *Negotiator) compare(res *Result, field string, requested, granted uint32) bool {
	if requested == granted {
		return false
	}
	m := Mismatch{Field: field, Requested: requested, Granted: granted}
	res.Mismatches = append(res.Mismatches, m)
	n.logger.Warn("H.264 config probe: device granted different value",
		"field", field, "requested", requested, "granted", granted)
	if n.onMismatch != nil {
		n.onMismatch(m)
	}
	return true
}

func (n *Negotiator) enter(s NegotiationState) {
	n.state = s
	n.logger.Debug("negotiation state", "state", s.String())
}
