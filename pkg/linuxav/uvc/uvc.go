// Package uvc implements the UVC H.264 extension unit (XU) protocol: locating
// the unit in a camera's USB descriptors, reading and writing its controls,
// and the probe/commit negotiation that configures the on-camera encoder.
//
// Devices are reached through ControlQuerier, which *v4l2.Device implements
// with UVCIOC_CTRL_QUERY.
package uvc

import "fmt"

// H264GUID identifies the H.264 encoding extension unit.
var H264GUID = [16]byte{
	0x41, 0x76, 0x9E, 0xA2, 0x04, 0xDE, 0xE3, 0x47,
	0x8B, 0x2B, 0xF4, 0x34, 0x1A, 0xFF, 0x00, 0x3B,
}

// Query is a UVC class request code.
type Query uint8

// Request codes.
const (
	SetCur  Query = 0x01
	GetCur  Query = 0x81
	GetMin  Query = 0x82
	GetMax  Query = 0x83
	GetRes  Query = 0x84
	GetLen  Query = 0x85
	GetInfo Query = 0x86
	GetDef  Query = 0x87
)

func (q Query) String() string {
	switch q {
	case SetCur:
		return "SET_CUR"
	case GetCur:
		return "GET_CUR"
	case GetMin:
		return "GET_MIN"
	case GetMax:
		return "GET_MAX"
	case GetRes:
		return "GET_RES"
	case GetLen:
		return "GET_LEN"
	case GetInfo:
		return "GET_INFO"
	case GetDef:
		return "GET_DEF"
	default:
		return fmt.Sprintf("QUERY(0x%02x)", uint8(q))
	}
}

// ParseQuery accepts the names printed by Query.String.
func ParseQuery(s string) (Query, error) {
	for _, q := range []Query{SetCur, GetCur, GetMin, GetMax, GetRes, GetLen, GetInfo, GetDef} {
		if q.String() == s {
			return q, nil
		}
	}
	return 0, fmt.Errorf("unknown query %q", s)
}

// Selector is an H.264 XU control selector.
type Selector uint8

// Control selectors.
const (
	SelectorVideoConfigProbe   Selector = 0x01
	SelectorVideoConfigCommit  Selector = 0x02
	SelectorRateControlMode    Selector = 0x03
	SelectorTemporalScaleMode  Selector = 0x04
	SelectorSpatialScaleMode   Selector = 0x05
	SelectorSNRScaleMode       Selector = 0x06
	SelectorLTRBufferSizeCtrl  Selector = 0x07
	SelectorLTRPictureCtrl     Selector = 0x08
	SelectorPictureTypeControl Selector = 0x09
	SelectorVersion            Selector = 0x0A
	SelectorEncoderReset       Selector = 0x0B
	SelectorFramerateConfig    Selector = 0x0C
	SelectorVideoAdvanceConfig Selector = 0x0D
	SelectorBitrateLayers      Selector = 0x0E
	SelectorQPStepsLayers      Selector = 0x0F
)

var selectorNames = map[Selector]string{
	SelectorVideoConfigProbe:   "UVCX_VIDEO_CONFIG_PROBE",
	SelectorVideoConfigCommit:  "UVCX_VIDEO_CONFIG_COMMIT",
	SelectorRateControlMode:    "UVCX_RATE_CONTROL_MODE",
	SelectorTemporalScaleMode:  "UVCX_TEMPORAL_SCALE_MODE",
	SelectorSpatialScaleMode:   "UVCX_SPATIAL_SCALE_MODE",
	SelectorSNRScaleMode:       "UVCX_SNR_SCALE_MODE",
	SelectorLTRBufferSizeCtrl:  "UVCX_LTR_BUFFER_SIZE_CONTROL",
	SelectorLTRPictureCtrl:     "UVCX_LTR_PICTURE_CONTROL",
	SelectorPictureTypeControl: "UVCX_PICTURE_TYPE_CONTROL",
	SelectorVersion:            "UVCX_VERSION",
	SelectorEncoderReset:       "UVCX_ENCODER_RESET",
	SelectorFramerateConfig:    "UVCX_FRAMERATE_CONFIG",
	SelectorVideoAdvanceConfig: "UVCX_VIDEO_ADVANCE_CONFIG",
	SelectorBitrateLayers:      "UVCX_BITRATE_LAYERS",
	SelectorQPStepsLayers:      "UVCX_QP_STEPS_LAYERS",
}

func (s Selector) String() string {
	if name, ok := selectorNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UVCX(0x%02x)", uint8(s))
}

// Stream mux option bits for bStreamMuxOption.
const (
	StreamMuxEnable uint8 = 1 << 0
	StreamMuxH264   uint8 = 1<<1 | StreamMuxEnable
)

// PictureType values for UVCX_PICTURE_TYPE_CONTROL.
type PictureType uint16

// Picture types.
const (
	PictureIFrame  PictureType = 0
	PictureIDR     PictureType = 1
	PictureIDRFull PictureType = 2
)

// Rate control modes for UVCX_RATE_CONTROL_MODE.
const (
	RateControlCBR            uint8 = 0x01
	RateControlVBR            uint8 = 0x02
	RateControlConstQP        uint8 = 0x03
	RateControlFixedFrameRate uint8 = 0x10
)

// Sentinels returned by typed getters when the request failed. They mean
// "unknown", never a device value.
const (
	UnknownByte   uint8  = 0xFF
	UnknownUint16 uint16 = 0xFFFF
	UnknownUint32 uint32 = 0xFFFFFFFF
)
