// Package renderproc implements the command protocol between a render
// client and a render worker.
//
// The client enqueues commands identified by a four letter [Opcode] and
// never blocks on the worker. The worker runs a single goroutine loop that
// executes commands in submission order on a [Renderer], renders frames at
// a target framerate and streams them back as NFrm messages. Queries are
// answered asynchronously with an ARes message carrying the query id.
// A watchdog stops the worker when the client stops sending heartbeats.
package renderproc

import (
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
)

// Opcode identifies a protocol message.
type Opcode string

// Client to worker opcodes.
const (
	OpStop              Opcode = "Stop"
	OpHeartbeat         Opcode = "HrtB"
	OpSetWatchdog       Opcode = "SWdg"
	OpUpdateFrameBuffer Opcode = "UFBO"
	OpDeleteFrameBuffer Opcode = "DFBO"
	OpRender            Opcode = "Rndr"
	OpUpdateUniform     Opcode = "UpdU"
	OpUpdateVertices    Opcode = "UpdV"
	OpUpdateTexture     Opcode = "UpdT"
	OpUpdateSampler     Opcode = "UpdS"
	OpDeleteTexture     Opcode = "DelT"
	OpRegisterShader    Opcode = "RegS"
	OpCapture           Opcode = "RdCp"
	OpLogContext        Opcode = "LogC"
	OpLogFrameTimes     Opcode = "LogT"
	OpGetContext        Opcode = "GtCt"
	OpGetFrameTimes     Opcode = "GtFt"
	OpGetExtensions     Opcode = "GtEx"
	OpSaveImage         Opcode = "SvIm"
)

// Worker to client opcodes. The worker also sends [OpStop] before exiting.
const (
	OpNewFrame    Opcode = "NFrm"
	OpLogMessage  Opcode = "LogM"
	OpAsyncResult Opcode = "ARes"
)

// Message is a command or event with positional arguments. The argument
// order of every opcode is part of the protocol.
type Message struct {
	Op   Opcode
	Args []any
}

func (m Message) String() string {
	return fmt.Sprintf("%s%v", m.Op, m.Args)
}

// All selects every frame buffer or draw call in uniform updates.
const All = -1

// ErrProtocol is returned by the worker when it receives an unknown opcode
// or malformed arguments.
var ErrProtocol = errors.New("render protocol error")

// ErrClosed is returned when sending or receiving on a closed connection.
var ErrClosed = errors.New("render connection closed")

// StreamMode selects how rendered frames are streamed to the client.
type StreamMode string

const (
	StreamPNG  StreamMode = "png"
	StreamJPEG StreamMode = "jpg"
	StreamBMP  StreamMode = "bmp"
	StreamRaw  StreamMode = "raw"
	StreamNone StreamMode = "none"
)

// ParseStreamMode parses a stream mode name. "jpeg" is accepted for [StreamJPEG].
func ParseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(s); m {
	case StreamPNG, StreamJPEG, StreamBMP, StreamRaw, StreamNone:
		return m, nil
	case "jpeg":
		return StreamJPEG, nil
	}
	return "", fmt.Errorf("unknown stream mode %q", s)
}

// Frame is a rendered frame streamed by the worker.
type Frame struct {
	// Seq counts frames rendered by the worker starting at 1.
	Seq    uint64
	Mode   StreamMode
	Width  int
	Height int
	// Components is the number of channels of raw frames.
	Components int
	// Data is the encoded image, raw pixels or nil for [StreamNone].
	Data []byte
}

// FrameTimes are the worker's frame time statistics. Averages are
// exponential moving averages.
type FrameTimes struct {
	AvgRender time.Duration
	MaxRender time.Duration
	AvgEncode time.Duration
	MaxEncode time.Duration
	Frames    uint64
}

// ShaderSources are the preprocessed sources of one program. Empty stages are absent.
type ShaderSources struct {
	Vertex         string
	Fragment       string
	TessControl    string
	TessEvaluation string
	Geometry       string
	Compute        string
}

// TextureSpec describes the storage of a texture.
type TextureSpec struct {
	Width, Height, Depth int
	// Components is the number of channels, 1 to 4.
	Components int
	// Dtype is the channel type: "f1" (uint8), "f2" (half float) or "f4" (float).
	Dtype string
	// Mipmaps requests mipmap generation after upload.
	Mipmaps bool
}

// SamplerSpec describes how a texture is sampled.
type SamplerSpec struct {
	// Repeat sets the wrap mode to repeat instead of clamping to edge.
	RepeatX, RepeatY bool
	// Linear selects linear instead of nearest filtering.
	Linear bool
	// Anisotropy is the maximum anisotropic filtering level, 1 disables.
	Anisotropy float32
}

func init() {
	// Concrete types carried in Message.Args over stream connections.
	gob.Register(Frame{})
	gob.Register(FrameTimes{})
	gob.Register(ShaderSources{})
	gob.Register(TextureSpec{})
	gob.Register(SamplerSpec{})
	gob.Register(StreamMode(""))
	gob.Register([2]int{})
	gob.Register(map[string]string{})
	gob.Register([2]float32{})
	gob.Register([3]float32{})
	gob.Register([4]float32{})
	gob.Register([9]float32{})
	gob.Register([16]float32{})
	gob.Register(ms2.Vec{})
	gob.Register(ms3.Vec{})
}
