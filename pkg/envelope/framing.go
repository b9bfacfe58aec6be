package envelope

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// Framing constants.
const (
	// DescriptorHeaderSize is the fixed on-wire size of a descriptor
	// frame's length field. Only the leading varint bytes are meaningful;
	// the rest is zero padding.
	DescriptorHeaderSize = 8

	// DefaultMaxMessageSize is the default maximum envelope size (1 MiB).
	DefaultMaxMessageSize = 1 << 20

	// MinMessageSize is the minimum valid envelope size.
	MinMessageSize = 1
)

// Framing errors.
var (
	// ErrMessageTooLarge indicates the envelope exceeds the maximum size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageEmpty indicates an empty envelope frame.
	ErrMessageEmpty = errors.New("message is empty")

	// ErrFrameTruncated indicates the stream ended inside a frame.
	ErrFrameTruncated = errors.New("frame truncated")

	// ErrLengthOverflow indicates a length prefix that does not fit an
	// unsigned 32-bit value.
	ErrLengthOverflow = errors.New("length prefix overflows 32 bits")
)

// FrameWriter writes varint length-prefixed frames to an underlying
// writer.
type FrameWriter struct {
	w              io.Writer
	maxMessageSize uint32
	mu             sync.Mutex
}

// NewFrameWriter creates a new frame writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		w:              w,
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// NewFrameWriterWithMaxSize creates a frame writer with a custom max size.
func NewFrameWriterWithMaxSize(w io.Writer, maxSize uint32) *FrameWriter {
	return &FrameWriter{
		w:              w,
		maxMessageSize: maxSize,
	}
}

// WriteFrame writes one varint length-prefixed frame. Prefix and payload
// go out in a single Write so concurrent writers never interleave
// envelopes on the same socket.
// Thread-safe: can be called from multiple goroutines.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	header := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen32), uint64(len(data)))
	return fw.writeFrame(header, data)
}

// WriteDescriptorFrame writes a frame whose length field is padded to
// DescriptorHeaderSize bytes, so the peer takes the whole header in a
// single read.
func (fw *FrameWriter) WriteDescriptorFrame(data []byte) error {
	header := make([]byte, DescriptorHeaderSize)
	binary.PutUvarint(header, uint64(len(data)))
	return fw.writeFrame(header, data)
}

func (fw *FrameWriter) writeFrame(header, data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if uint32(len(data)) > fw.maxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), fw.maxMessageSize)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	buf := make([]byte, 0, len(header)+len(data))
	buf = append(buf, header...)
	buf = append(buf, data...)

	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// FrameReader reads varint length-prefixed frames from an underlying
// reader. The reader buffers internally, so short reads from the source
// are resumed transparently.
type FrameReader struct {
	br             *bufio.Reader
	maxMessageSize uint32
}

// NewFrameReader creates a new frame reader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		br:             bufio.NewReader(r),
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// NewFrameReaderWithMaxSize creates a frame reader with a custom max size.
func NewFrameReaderWithMaxSize(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{
		br:             bufio.NewReader(r),
		maxMessageSize: maxSize,
	}
}

// ReadFrame reads one varint length-prefixed frame.
// Returns the frame payload (without the length prefix). io.EOF is
// returned only on a clean end of stream at a frame boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	length, err := binary.ReadUvarint(fr.br)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}
	return fr.readBody(length)
}

// ReadDescriptorFrame reads a frame with a padded length field: exactly
// DescriptorHeaderSize header bytes, then the payload.
func (fr *FrameReader) ReadDescriptorFrame() ([]byte, error) {
	var header [DescriptorHeaderSize]byte
	if _, err := io.ReadFull(fr.br, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read descriptor header: %w", err)
	}

	length, n := binary.Uvarint(header[:])
	if n <= 0 {
		return nil, ErrLengthOverflow
	}
	return fr.readBody(length)
}

func (fr *FrameReader) readBody(length uint64) ([]byte, error) {
	if length > math.MaxUint32 {
		return nil, ErrLengthOverflow
	}
	if length == 0 {
		return nil, ErrMessageEmpty
	}
	if length > uint64(fr.maxMessageSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, fr.maxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.br, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return payload, nil
}

// SetMaxMessageSize updates the maximum envelope size.
func (fr *FrameReader) SetMaxMessageSize(size uint32) {
	fr.maxMessageSize = size
}

// Framer combines frame reading and writing over one connection and adds
// envelope-level helpers.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer for bidirectional communication.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw),
		FrameWriter: NewFrameWriter(rw),
	}
}

// NewFramerWithMaxSize creates a framer with a custom max envelope size.
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize uint32) *Framer {
	return &Framer{
		FrameReader: NewFrameReaderWithMaxSize(rw, maxSize),
		FrameWriter: NewFrameWriterWithMaxSize(rw, maxSize),
	}
}

// WriteEnvelope encodes the envelope and writes it as one frame.
func (f *Framer) WriteEnvelope(e *Envelope) error {
	data, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	return f.WriteFrame(data)
}

// ReadEnvelope reads one frame and decodes it as an envelope.
func (f *Framer) ReadEnvelope() (*Envelope, error) {
	data, err := f.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(data)
}

// WriteDescriptorEnvelope writes a descriptor envelope with the padded
// 8-byte length field.
func (f *Framer) WriteDescriptorEnvelope(e *Envelope) error {
	data, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	return f.WriteDescriptorFrame(data)
}

// ReadDescriptorEnvelope reads a descriptor envelope with the padded
// 8-byte length field.
func (f *Framer) ReadDescriptorEnvelope() (*Envelope, error) {
	data, err := f.ReadDescriptorFrame()
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(data)
}
