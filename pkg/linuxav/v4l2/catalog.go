//go:build linux

package v4l2

import (
	"fmt"
	"slices"
)

// StreamCap is one resolution of a format with the frame rates offered at it.
type StreamCap struct {
	Width      uint32
	Height     uint32
	Framerates []Framerate
}

// StreamFormat is one catalog entry.
type StreamFormat struct {
	PixelFormat uint32
	FourCC      string
	Description string
	Emulated    bool
	// Synthetic is set for entries derived by the application rather than
	// enumerated from the driver, such as muxed H.264 carried inside MJPEG.
	Synthetic bool
	Caps      []StreamCap
}

// Cap returns the capability for a resolution.
func (f StreamFormat) Cap(width, height uint32) (StreamCap, bool) {
	for _, c := range f.Caps {
		if c.Width == width && c.Height == height {
			return c, true
		}
	}
	return StreamCap{}, false
}

func (f StreamFormat) clone() StreamFormat {
	out := f
	out.Caps = make([]StreamCap, len(f.Caps))
	for i, c := range f.Caps {
		out.Caps[i] = StreamCap{Width: c.Width, Height: c.Height, Framerates: slices.Clone(c.Framerates)}
	}
	return out
}

// Catalog is the ordered list of stream formats a device offers. Entries are
// only ever appended during a session, and resolution and frame-rate tuples
// are kept unique within an entry.
type Catalog struct {
	formats []StreamFormat
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.formats)
}

// Formats returns a copy of the entries in order.
func (c *Catalog) Formats() []StreamFormat {
	out := make([]StreamFormat, len(c.formats))
	for i, f := range c.formats {
		out[i] = f.clone()
	}
	return out
}

// Index returns the position of the entry for pixelFormat, or -1.
func (c *Catalog) Index(pixelFormat uint32) int {
	return slices.IndexFunc(c.formats, func(f StreamFormat) bool {
		return f.PixelFormat == pixelFormat
	})
}

// Find returns a copy of the entry for pixelFormat.
func (c *Catalog) Find(pixelFormat uint32) (StreamFormat, bool) {
	i := c.Index(pixelFormat)
	if i < 0 {
		return StreamFormat{}, false
	}
	return c.formats[i].clone(), true
}

// Append adds a new entry. Duplicate resolutions and frame rates inside
// the entry are collapsed, keeping first-seen order.
func (c *Catalog) Append(f StreamFormat) error {
	if c.Index(f.PixelFormat) >= 0 {
		return fmt.Errorf("format %s already in catalog", FormatFourCC(f.PixelFormat))
	}
	if f.FourCC == "" {
		f.FourCC = FormatFourCC(f.PixelFormat)
	}
	entry := StreamFormat{
		PixelFormat: f.PixelFormat,
		FourCC:      f.FourCC,
		Description: f.Description,
		Emulated:    f.Emulated,
		Synthetic:   f.Synthetic,
	}
	for _, sc := range f.Caps {
		i := slices.IndexFunc(entry.Caps, func(e StreamCap) bool {
			return e.Width == sc.Width && e.Height == sc.Height
		})
		if i < 0 {
			entry.Caps = append(entry.Caps, StreamCap{Width: sc.Width, Height: sc.Height})
			i = len(entry.Caps) - 1
		}
		for _, fr := range sc.Framerates {
			if !slices.Contains(entry.Caps[i].Framerates, fr) {
				entry.Caps[i].Framerates = append(entry.Caps[i].Framerates, fr)
			}
		}
	}
	c.formats = append(c.formats, entry)
	return nil
}

// Supports reports whether the catalog lists the exact format tuple.
func (c *Catalog) Supports(pixelFormat, width, height uint32, fr Framerate) bool {
	f, ok := c.Find(pixelFormat)
	if !ok {
		return false
	}
	sc, ok := f.Cap(width, height)
	return ok && slices.Contains(sc.Framerates, fr)
}
