package shared

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Transcript renders the conversation for a terminal: one line per remote
// gesture or text message, prefixed with the speaker label. Safe for use
// from concurrent delivery callbacks.
type Transcript struct {
	mu    sync.Mutex
	hooks []StringWriteCloser
}

func NewTranscript(hooks ...StringWriteCloser) (*Transcript, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Transcript{hooks: hooks}, nil
}

func (t *Transcript) Line(speaker, text string) error {
	return t.write(fmt.Sprintf("%s: %s\n", speaker, text))
}

// Caption renders a recognized gesture with its confidence, and the Hindi
// caption when one is attached.
func (t *Transcript) Caption(speaker, gesture, hindi string, confidence float64) error {
	if hindi != "" {
		return t.write(fmt.Sprintf("%s: [%s | %s] (%.0f%%)\n", speaker, gesture, hindi, confidence*100))
	}
	return t.write(fmt.Sprintf("%s: [%s] (%.0f%%)\n", speaker, gesture, confidence*100))
}

func (t *Transcript) Notice(s string) error {
	return t.write("-- " + s + "\n")
}

func (t *Transcript) write(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hook := range t.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hook := range t.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}
