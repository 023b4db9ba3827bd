package bridge

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEStream_SendWritesOneDataFrame(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	s := newSSEStream(rec)

	if err := s.send(frameTextDelta{Type: "text-delta", ID: "b1", Delta: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := rec.Body.String()
	want := `data: {"type":"text-delta","id":"b1","delta":"hi"}` + "\n\n"
	if got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}
}

func TestSSEStream_KeepAliveIsCommentLine(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	s := newSSEStream(rec)

	if err := s.keepAlive(); err != nil {
		t.Fatalf("keepAlive: %v", err)
	}
	if got := rec.Body.String(); got != ": keep-alive\n\n" {
		t.Fatalf("body=%q, want comment line", got)
	}
}

func TestSSEStream_TerminateWritesDoneAndCloses(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	s := newSSEStream(rec)

	if err := s.terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if got := rec.Body.String(); got != "data: [DONE]\n\n" {
		t.Fatalf("body=%q, want terminal marker", got)
	}
	if !s.isClosed() {
		t.Fatalf("stream should be closed after terminate")
	}
	if err := s.terminate(); !errors.Is(err, errStreamClosed) {
		t.Fatalf("second terminate err=%v, want errStreamClosed", err)
	}
}

func TestSSEStream_ClosedFlagSuppressesAllWrites(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	s := newSSEStream(rec)
	s.close()

	if err := s.send(frameStart{Type: "start"}); !errors.Is(err, errStreamClosed) {
		t.Fatalf("send err=%v, want errStreamClosed", err)
	}
	if err := s.keepAlive(); !errors.Is(err, errStreamClosed) {
		t.Fatalf("keepAlive err=%v, want errStreamClosed", err)
	}
	if err := s.terminate(); !errors.Is(err, errStreamClosed) {
		t.Fatalf("terminate err=%v, want errStreamClosed", err)
	}
	if got := rec.Body.String(); got != "" {
		t.Fatalf("body=%q, want no bytes after close", got)
	}
}

// decodeFrames splits an SSE body into decoded JSON frames. Keep-alive
// comment lines are skipped; the terminal marker decodes as type "[DONE]".
func decodeFrames(t *testing.T, body string) []map[string]any {
	t.Helper()

	var frames []map[string]any
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || strings.HasPrefix(chunk, ":") {
			continue
		}
		payload := strings.TrimPrefix(chunk, "data: ")
		if payload == "[DONE]" {
			frames = append(frames, map[string]any{"type": "[DONE]"})
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", payload, err)
		}
		frames = append(frames, m)
	}
	return frames
}

func frameTypes(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		typ, _ := f["type"].(string)
		out = append(out, typ)
	}
	return out
}
