package mesos

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameSize bounds a single RecordIO record.
const maxFrameSize = 64 << 20

// ErrFrameTooLarge is returned for records above maxFrameSize.
var ErrFrameTooLarge = errors.New("recordio frame too large")

// Reader decodes the "<length>\n<bytes>" RecordIO framing of the event stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next record. It returns io.EOF at a clean end of stream.
func (r *Reader) ReadFrame() ([]byte, error) {
	header, err := r.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && header == "" {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(header), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse frame length %q: %w", strings.TrimSpace(header), err)
	}
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame encodes one record.
func WriteFrame(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(data)); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}
