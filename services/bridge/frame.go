package bridge

import (
	"io"
	"sync"

	"iocontrol-go/errcode"
)

// Frame types. Frames are a type byte, a big-endian 16-bit length and
// the payload; request, reply and publish payloads are JSON.
const (
	framePing    byte = 0x01
	framePong    byte = 0x02
	framePub     byte = 0x10
	frameRequest byte = 0x20
	frameReply   byte = 0x21
	frameClose   byte = 0x7f
)

const maxPayload = 0xFFFF

type Frame struct {
	Type    byte
	Payload []byte
}

type framedReader struct{ r io.Reader }

// framedWriter serialises whole frames from concurrent writers.
type framedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(hdr[1])<<8 | int(hdr[2])
	f := Frame{Type: hdr[0]}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > maxPayload {
		return errcode.BadSize
	}
	buf := make([]byte, 3, 3+len(f.Payload))
	buf[0], buf[1], buf[2] = f.Type, byte(len(f.Payload)>>8), byte(len(f.Payload))
	buf = append(buf, f.Payload...)
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}
