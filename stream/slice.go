package stream

import (
	"io"
)

// sliceReader serves a byte window of an underlying full-body stream by
// discarding the prefix and truncating past the end. It is the software
// fallback for backends without native range support; the discard happens
// in fixed-size reads so no whole-file buffer ever exists.
type sliceReader struct {
	src     io.Reader
	skip    int64 // bytes still to discard before the window
	remain  int64 // bytes of the window still to deliver; -1 means to EOF
	scratch []byte
}

// newSliceReader slices [start, end] out of src. end < 0 means "to EOF".
func newSliceReader(src io.Reader, start, end int64) *sliceReader {
	remain := int64(-1)
	if end >= 0 {
		remain = end - start + 1
	}
	return &sliceReader{src: src, skip: start, remain: remain}
}

func (s *sliceReader) Read(p []byte) (int, error) {
	for s.skip > 0 {
		if s.scratch == nil {
			s.scratch = make([]byte, 32*1024)
		}
		buf := s.scratch
		if s.skip < int64(len(buf)) {
			buf = buf[:s.skip]
		}
		n, err := s.src.Read(buf)
		s.skip -= int64(n)
		if err != nil {
			return 0, err
		}
	}

	if s.remain == 0 {
		return 0, io.EOF
	}
	if s.remain > 0 && int64(len(p)) > s.remain {
		p = p[:s.remain]
	}

	n, err := s.src.Read(p)
	if s.remain > 0 {
		s.remain -= int64(n)
		if s.remain == 0 && err == nil {
			err = io.EOF
		}
	}
	return n, err
}
