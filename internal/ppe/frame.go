package ppe

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"time"
)

// Frame is one captured image of a stream.
type Frame struct {
	StreamID  string
	ID        int64
	Timestamp time.Time
	Data      []byte // encoded JPEG or PNG

	img image.Image
}

// NewFrame wraps encoded image data.
func NewFrame(streamID string, id int64, ts time.Time, data []byte) *Frame {
	return &Frame{StreamID: streamID, ID: id, Timestamp: ts, Data: data}
}

// Image decodes the frame once and caches the result.
func (f *Frame) Image() (image.Image, error) {
	if f.img != nil {
		return f.img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decoding frame %d: %w", f.ID, err)
	}
	f.img = img
	return img, nil
}

// SetImage attaches an already decoded image.
func (f *Frame) SetImage(img image.Image) {
	f.img = img
}
