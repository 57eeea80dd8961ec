package runlog

import (
	"os"

	"github.com/cockroachdb/errors"
)

// Capture holds the open log files of one resume attempt.
type Capture struct {
	Attempt
	Stdout *Stream
	Stderr *Stream
}

// Close closes both streams and reports the first error.
func (c *Capture) Close() error {
	return errors.CombineErrors(c.Stdout.Close(), c.Stderr.Close())
}

// Stream writes resume output to a file until its byte limit is reached.
// Write always reports success: log storage problems never fail a resume.
type Stream struct {
	f       *os.File
	limit   int64
	written int64
	dropped int64
}

func newStream(f *os.File, limit int64) *Stream {
	return &Stream{f: f, limit: limit}
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	room := s.limit - s.written
	if room <= 0 {
		s.dropped += int64(len(p))
		return len(p), nil
	}

	chunk := p
	if int64(len(chunk)) > room {
		chunk = chunk[:room]
	}
	n, _ := s.f.Write(chunk)
	s.written += int64(n)
	s.dropped += int64(len(p) - n)
	return len(p), nil
}

// Written returns the bytes persisted so far.
func (s *Stream) Written() int64 {
	return s.written
}

// Dropped returns the bytes discarded because of the limit or a write error.
func (s *Stream) Dropped() int64 {
	return s.dropped
}

// Close closes the file.
func (s *Stream) Close() error {
	return s.f.Close()
}
