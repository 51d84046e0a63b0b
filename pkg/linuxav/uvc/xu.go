package uvc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// ControlQuerier issues one UVC extension unit request. data carries the
// request payload and receives the reply.
type ControlQuerier interface {
	QueryControl(unit, selector, query uint8, data []byte) error
}

var (
	// ErrNoStream is returned for any request on unit id 0, meaning no
	// H.264 extension unit was discovered. No request reaches the device.
	ErrNoStream = errors.New("uvc: no H.264 extension unit")

	// ErrInvalidQuery is returned when a getter is asked to SET_CUR.
	ErrInvalidQuery = errors.New("uvc: invalid query for get")
)

// Channel reads and writes the controls of one extension unit.
type Channel struct {
	q      ControlQuerier
	unit   uint8
	logger *slog.Logger
}

// NewChannel binds q to unit. A zero unit yields a channel whose every
// request fails with ErrNoStream.
func NewChannel(q ControlQuerier, unit uint8, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{q: q, unit: unit, logger: logger.With("unit", unit)}
}

// Unit returns the extension unit id.
func (c *Channel) Unit() uint8 { return c.unit }

// Get issues query on selector and returns size bytes of reply.
func (c *Channel) Get(sel Selector, query Query, size int) ([]byte, error) {
	if query == SetCur {
		return nil, ErrInvalidQuery
	}
	data := make([]byte, size)
	if err := c.do(sel, query, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Set writes data with SET_CUR.
func (c *Channel) Set(sel Selector, data []byte) error {
	return c.do(sel, SetCur, data)
}

func (c *Channel) do(sel Selector, query Query, data []byte) error {
	if c.unit == 0 {
		c.logger.Debug("no H.264 extension unit", "selector", sel.String(), "query", query.String())
		return ErrNoStream
	}
	if err := c.q.QueryControl(c.unit, uint8(sel), uint8(query), data); err != nil {
		c.logger.Error("extension unit request failed",
			"selector", sel.String(), "query", query.String(), "error", err.Error())
		return fmt.Errorf("%s %s: %w", sel, query, err)
	}
	return nil
}

// getRecord marshals rec as the request payload, queries, and decodes the
// reply back into rec.
func (c *Channel) getRecord(sel Selector, query Query, rec any) error {
	if query == SetCur {
		return ErrInvalidQuery
	}
	data := make([]byte, binary.Size(rec))
	if _, err := binary.Encode(data, binary.LittleEndian, rec); err != nil {
		return err
	}
	if err := c.do(sel, query, data); err != nil {
		return err
	}
	_, err := binary.Decode(data, binary.LittleEndian, rec)
	return err
}

func (c *Channel) setRecord(sel Selector, rec any) error {
	data := make([]byte, binary.Size(rec))
	if _, err := binary.Encode(data, binary.LittleEndian, rec); err != nil {
		return err
	}
	return c.do(sel, SetCur, data)
}

// Wire records. All fields are little-endian and unpadded.
type (
	modeRecord struct {
		LayerID uint16
		Mode    uint8
	}
	pictureTypeRecord struct {
		LayerID uint16
		PicType uint16
	}
	versionRecord struct {
		Version uint16
	}
	encoderResetRecord struct {
		LayerID uint16
	}
	framerateRecord struct {
		LayerID       uint16
		FrameInterval uint32
	}
	bitrateRecord struct {
		LayerID     uint16
		PeakBitrate uint32
		AvgBitrate  uint32
	}
)

func (c *Channel) getMode(sel Selector, query Query) (uint8, error) {
	rec := modeRecord{}
	if err := c.getRecord(sel, query, &rec); err != nil {
		return UnknownByte, err
	}
	return rec.Mode, nil
}

// RateControlMode reads bRateControlMode. On failure it returns UnknownByte.
func (c *Channel) RateControlMode(query Query) (uint8, error) {
	return c.getMode(SelectorRateControlMode, query)
}

// SetRateControlMode writes bRateControlMode for layer 0.
func (c *Channel) SetRateControlMode(mode uint8) error {
	return c.setRecord(SelectorRateControlMode, &modeRecord{Mode: mode})
}

// TemporalScaleMode reads bTemporalScaleMode. On failure it returns UnknownByte.
func (c *Channel) TemporalScaleMode(query Query) (uint8, error) {
	return c.getMode(SelectorTemporalScaleMode, query)
}

// SetTemporalScaleMode writes bTemporalScaleMode for layer 0.
func (c *Channel) SetTemporalScaleMode(mode uint8) error {
	return c.setRecord(SelectorTemporalScaleMode, &modeRecord{Mode: mode})
}

// SpatialScaleMode reads bSpatialScaleMode. On failure it returns UnknownByte.
func (c *Channel) SpatialScaleMode(query Query) (uint8, error) {
	return c.getMode(SelectorSpatialScaleMode, query)
}

// SetSpatialScaleMode writes bSpatialScaleMode for layer 0.
func (c *Channel) SetSpatialScaleMode(mode uint8) error {
	return c.setRecord(SelectorSpatialScaleMode, &modeRecord{Mode: mode})
}

// FrameRateConfig reads dwFrameInterval in 100ns units. On failure it
// returns UnknownUint32.
func (c *Channel) FrameRateConfig(query Query) (uint32, error) {
	rec := framerateRecord{}
	if err := c.getRecord(SelectorFramerateConfig, query, &rec); err != nil {
		return UnknownUint32, err
	}
	return rec.FrameInterval, nil
}

// SetFrameRateConfig writes dwFrameInterval (100ns units) for layer 0.
func (c *Channel) SetFrameRateConfig(interval uint32) error {
	return c.setRecord(SelectorFramerateConfig, &framerateRecord{FrameInterval: interval})
}

// BitrateLayers reads the peak and average bitrate of layer 0. On failure
// both are UnknownUint32.
func (c *Channel) BitrateLayers(query Query) (peak, average uint32, err error) {
	rec := bitrateRecord{}
	if err := c.getRecord(SelectorBitrateLayers, query, &rec); err != nil {
		return UnknownUint32, UnknownUint32, err
	}
	return rec.PeakBitrate, rec.AvgBitrate, nil
}

// SetBitrateLayers writes the peak and average bitrate of layer 0.
func (c *Channel) SetBitrateLayers(peak, average uint32) error {
	return c.setRecord(SelectorBitrateLayers, &bitrateRecord{PeakBitrate: peak, AvgBitrate: average})
}

// RequestPictureType asks the encoder to emit the given picture type next.
func (c *Channel) RequestPictureType(t PictureType) error {
	return c.setRecord(SelectorPictureTypeControl, &pictureTypeRecord{PicType: uint16(t)})
}

// ResetEncoder resets layer 0 of the encoder.
func (c *Channel) ResetEncoder() error {
	return c.setRecord(SelectorEncoderReset, &encoderResetRecord{})
}

// Version reads wVersion with GET_CUR. On failure it returns UnknownUint16.
func (c *Channel) Version() (uint16, error) {
	rec := versionRecord{}
	if err := c.getRecord(SelectorVersion, GetCur, &rec); err != nil {
		return UnknownUint16, err
	}
	return rec.Version, nil
}

// Probe reads the probe record with query.
func (c *Channel) Probe(query Query) (ProbeCommit, error) {
	pc := ProbeCommit{}
	if err := c.getRecord(SelectorVideoConfigProbe, query, &pc); err != nil {
		return ProbeCommit{}, err
	}
	return pc, nil
}

// SetProbe proposes pc with SET_CUR on the probe control.
func (c *Channel) SetProbe(pc ProbeCommit) error {
	return c.setRecord(SelectorVideoConfigProbe, &pc)
}

// Commit finalizes pc with SET_CUR on the commit control.
func (c *Channel) Commit(pc ProbeCommit) error {
	return c.setRecord(SelectorVideoConfigCommit, &pc)
}
