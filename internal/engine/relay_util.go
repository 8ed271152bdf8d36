package engine

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// lineReader yields trimmed UTF-8 lines from the merged output stream.
// A partial line at end-of-stream is still delivered alongside io.EOF.
type lineReader struct {
	br *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReader(r)}
}

func (l *lineReader) ReadLine() (string, error) {
	s, err := l.br.ReadString('\n')
	return strings.TrimRight(s, "\r\n"), err
}

// tailRing keeps the most recent relayed lines for diagnostics.
type tailRing struct {
	mu    sync.Mutex
	cap   int
	lines []string
}

func (t *tailRing) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cap <= 0 {
		t.cap = tailLines
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.cap {
		t.lines = t.lines[len(t.lines)-t.cap:]
	}
}

// last returns up to n most recent lines, oldest first.
func (t *tailRing) last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || len(t.lines) == 0 {
		return nil
	}
	if n > len(t.lines) {
		n = len(t.lines)
	}
	out := make([]string, n)
	copy(out, t.lines[len(t.lines)-n:])
	return out
}
