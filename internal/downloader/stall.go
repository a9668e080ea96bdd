package downloader

import (
	"io"
	"time"
)

// stallReader closes the underlying body when no read completes within
// the stall window, surfacing the hang as a read error the attempt
// loop retries.
type stallReader struct {
	r     io.ReadCloser
	d     time.Duration
	timer *time.Timer
}

func newStallReader(r io.ReadCloser, d time.Duration) *stallReader {
	s := &stallReader{r: r, d: d}
	if d > 0 {
		s.timer = time.AfterFunc(d, func() { r.Close() })
	}
	return s
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if s.timer != nil {
		s.timer.Reset(s.d)
	}
	return n, err
}

func (s *stallReader) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
