package renderproc

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
)

// Components returns the number of channels read from the frame buffer
// for the stream mode. Raw frames use the frame buffer's own component count.
func (m StreamMode) Components(raw int) int {
	switch m {
	case StreamJPEG:
		return 3
	case StreamPNG, StreamBMP:
		return 4
	case StreamRaw:
		return raw
	}
	return 0
}

// EncodeFrame encodes pixels read from a frame buffer. Rows of pix are
// bottom-up as read from OpenGL and are flipped for image formats. Raw frames
// are returned unchanged. Quality is the PNG compression (0 default,
// 1 none, 2 speed, 3 best) or the JPEG quality (1-100, 0 is 75).
func EncodeFrame(mode StreamMode, pix []byte, width, height, components, quality int) ([]byte, error) {
	switch mode {
	case StreamNone:
		return nil, nil
	case StreamRaw:
		return pix, nil
	}
	img, err := frameImage(pix, width, height, components)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	switch mode {
	case StreamPNG:
		if quality < 0 || quality > 3 {
			return nil, fmt.Errorf("png quality must be in 0..3, got %d", quality)
		}
		enc := png.Encoder{CompressionLevel: png.CompressionLevel(-quality)}
		err = enc.Encode(&buf, img)
	case StreamJPEG:
		if quality == 0 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case StreamBMP:
		err = bmp.Encode(&buf, img)
	default:
		return nil, fmt.Errorf("unknown stream mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// frameImage converts bottom-up pixel rows with 1, 3 or 4 components to an image.
func frameImage(pix []byte, width, height, components int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if want := width * height * components; len(pix) != want {
		return nil, fmt.Errorf("frame of %dx%dx%d needs %d bytes, got %d", width, height, components, want, len(pix))
	}
	stride := width * components
	switch components {
	case 1:
		img := image.NewGray(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			copy(img.Pix[y*img.Stride:], pix[(height-1-y)*stride:(height-y)*stride])
		}
		return img, nil
	case 3:
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			src := pix[(height-1-y)*stride:]
			dst := img.Pix[y*img.Stride:]
			for x := 0; x < width; x++ {
				dst[4*x+0] = src[3*x+0]
				dst[4*x+1] = src[3*x+1]
				dst[4*x+2] = src[3*x+2]
				dst[4*x+3] = 255
			}
		}
		return img, nil
	case 4:
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			copy(img.Pix[y*img.Stride:], pix[(height-1-y)*stride:(height-y)*stride])
		}
		return img, nil
	}
	return nil, fmt.Errorf("unsupported frame component count %d", components)
}
