// Package sweepfile stores the frames captured during one autofocus
// sweep as a single on-disk artifact: a magic header followed by
// length-prefixed JPEG frames. Capture appends sequentially and the
// scorer re-reads frame-by-frame, so neither phase holds more than
// one frame in memory.
package sweepfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"os"
)

var magic = []byte("SWEEP1\n")

// maxFrameSize guards the reader against corrupt length prefixes.
const maxFrameSize = 64 << 20

var ErrBadMagic = errors.New("sweepfile: bad magic header")

type Writer struct {
	f      *os.File
	bw     *bufio.Writer
	frames int
}

// Create opens path for writing, truncating any previous artifact.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(f)
	if _, err = bw.Write(magic); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, bw: bw}, nil
}

// WriteFrame appends one frame, encoded as JPEG.
func (w *Writer) WriteFrame(img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(buf.Len()))
	if _, err := w.bw.Write(size[:]); err != nil {
		return err
	}
	if _, err := w.bw.Write(buf.Bytes()); err != nil {
		return err
	}
	w.frames++
	return nil
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int { return w.frames }

func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

type Reader struct {
	f  *os.File
	br *bufio.Reader
}

// Open opens an artifact for frame-by-frame reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	head := make([]byte, len(magic))
	if _, err = io.ReadFull(br, head); err != nil {
		f.Close()
		return nil, ErrBadMagic
	}
	if !bytes.Equal(head, magic) {
		f.Close()
		return nil, ErrBadMagic
	}
	return &Reader{f: f, br: br}, nil
}

// ReadFrame returns the next frame, or io.EOF after the last one.
func (r *Reader) ReadFrame() (image.Image, error) {
	var size [4]byte
	if _, err := io.ReadFull(r.br, size[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.New("sweepfile: truncated frame header")
	}
	n := binary.BigEndian.Uint32(size[:])
	if n == 0 || n > maxFrameSize {
		return nil, errors.New("sweepfile: corrupt frame header")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return nil, errors.New("sweepfile: truncated frame")
	}
	return jpeg.Decode(bytes.NewReader(data))
}

func (r *Reader) Close() error {
	return r.f.Close()
}
