package dispatch

import (
	"bufio"
	"io"
)

// SSEScanner reads Server-Sent Events line by line from the upstream
// response body, ahead of JSON-decoding each "data:" payload into a
// translate.Frame.
type SSEScanner struct {
	scanner *bufio.Scanner
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // matches the SSE buffer cap
	return &SSEScanner{scanner: s}
}

func (s *SSEScanner) Scan() bool {
	return s.scanner.Scan()
}

func (s *SSEScanner) Text() string {
	return s.scanner.Text()
}

func (s *SSEScanner) Err() error {
	return s.scanner.Err()
}
