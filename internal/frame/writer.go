package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/qmux/amqp091/internal/protocol"
)

// Writer writes AMQP frames to a connection. It carries its own mutex so
// frames produced by the dispatch goroutine and by application goroutines
// are serialized at the wire boundary.
type Writer struct {
	w         *bufio.Writer
	mu        sync.Mutex
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, int(maxFrameSize)*2),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame writes a single frame to the connection
func (fw *Writer) WriteFrame(f *Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	return fw.writeFrame(f)
}

// WriteFrames writes a sequence of frames as one unit, so that the frames
// of a content message are never interleaved with frames from another
// goroutine on the same connection.
func (fw *Writer) WriteFrames(frames ...*Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for _, f := range frames {
		if err := fw.writeFrame(f); err != nil {
			return err
		}
	}

	return nil
}

func (fw *Writer) writeFrame(f *Frame) error {
	if uint32(len(f.Payload)) > fw.maxFrame {
		return fmt.Errorf("frame payload too large: %d > %d", len(f.Payload), fw.maxFrame)
	}

	fw.headerBuf[0] = f.Type
	binary.BigEndian.PutUint16(fw.headerBuf[1:3], f.Channel)
	binary.BigEndian.PutUint32(fw.headerBuf[3:7], uint32(len(f.Payload)))

	if _, err := fw.w.Write(fw.headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}

	if len(f.Payload) > 0 {
		if _, err := fw.w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}

	if err := fw.w.WriteByte(protocol.FrameEnd); err != nil {
		return fmt.Errorf("write frame end: %w", err)
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}

	return nil
}

// WriteProtocolHeader writes the AMQP protocol header
func (fw *Writer) WriteProtocolHeader() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.WriteString(protocol.ProtocolHeader); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush protocol header: %w", err)
	}

	return nil
}

// SetMaxFrameSize updates the maximum frame size
func (fw *Writer) SetMaxFrameSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if size > 0 {
		fw.maxFrame = size
	}
}
