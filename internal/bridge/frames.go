package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// Downstream wire protocol frames (camelCase, aligned with the web client's
// chat transport). Every frame is one SSE data event; the stream ends with a
// literal [DONE] marker.

type frameStart struct {
	Type string `json:"type"`
}

type frameStartStep struct {
	Type string `json:"type"`
}

type frameTextStart struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type frameTextDelta struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

type frameTextEnd struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type frameToolInputStart struct {
	Type       string `json:"type"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Dynamic    bool   `json:"dynamic"`
}

type frameToolInputAvailable struct {
	Type       string         `json:"type"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input"`
	Dynamic    bool           `json:"dynamic"`
}

type frameToolOutputAvailable struct {
	Type       string `json:"type"`
	ToolCallID string `json:"toolCallId"`
	Output     string `json:"output"`
	Dynamic    bool   `json:"dynamic"`
}

type frameFinishStep struct {
	Type string `json:"type"`
}

type frameFinish struct {
	Type         string `json:"type"`
	FinishReason string `json:"finishReason"`
}

type frameError struct {
	Type      string `json:"type"`
	ErrorText string `json:"errorText"`
}

var errStreamClosed = errors.New("stream closed")

// sseStream serializes protocol frames onto a chunked event stream. Each send
// is a single atomic write followed by a flush. The closed flag is monotonic:
// once set, every further write is suppressed.
type sseStream struct {
	mu     sync.Mutex
	w      io.Writer
	f      http.Flusher
	closed bool
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	var f http.Flusher
	if w != nil {
		if fl, ok := w.(http.Flusher); ok {
			f = fl
		}
	}
	return &sseStream{w: w, f: f}
}

func (s *sseStream) send(v any) error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	if err := s.writeLocked("data: "); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if err := s.writeLocked("\n\n"); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// keepAlive writes a comment-style line beneath the protocol's data frames.
// Intermediaries see traffic; clients ignore it.
func (s *sseStream) keepAlive() error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	if err := s.writeLocked(": keep-alive\n\n"); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// terminate writes the literal terminal marker and closes the stream.
func (s *sseStream) terminate() error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	s.closed = true
	if err := s.writeLocked("data: [DONE]\n\n"); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// close sets the closed flag without writing. Used on client disconnect where
// the socket is already gone.
func (s *sseStream) close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *sseStream) isClosed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sseStream) writeLocked(raw string) error {
	_, err := io.WriteString(s.w, raw)
	return err
}
