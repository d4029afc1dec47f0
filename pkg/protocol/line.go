package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// MaxLineBytes bounds a single wire line. Base64 file payloads are the
// largest legitimate envelopes, so the cap sits above the 10 MiB raw file
// limit with base64 and JSON overhead.
const MaxLineBytes = 16 << 20

// LineReader reads newline-delimited envelopes from a byte stream.
type LineReader struct {
	s *bufio.Scanner
}

// NewLineReader wraps r. Lines beyond MaxLineBytes fail the read.
func NewLineReader(r io.Reader) *LineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &LineReader{s: s}
}

// ReadLine returns the next raw line without its newline. io.EOF marks a
// clean end of stream.
func (lr *LineReader) ReadLine() ([]byte, error) {
	if !lr.s.Scan() {
		if err := lr.s.Err(); err != nil {
			return nil, fmt.Errorf("protocol: read line: %w", err)
		}
		return nil, io.EOF
	}
	return lr.s.Bytes(), nil
}

// ReadEnvelope reads and decodes the next envelope.
func (lr *LineReader) ReadEnvelope() (*Envelope, error) {
	line, err := lr.ReadLine()
	if err != nil {
		return nil, err
	}
	return Decode(line)
}

// WriteEnvelope encodes env and writes it as one newline-terminated line.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write envelope: %w", err)
	}
	return nil
}
