package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const keepAliveInterval = 2 * time.Second

// ChatHandler serves the streaming chat endpoint. One request is one
// independent loop instance; nothing is shared across requests except the
// tool gateway.
type ChatHandler struct {
	log      *slog.Logger
	provider Provider
	gateway  ToolGateway

	// keepAlive defaults to keepAliveInterval; tests shrink it.
	keepAlive time.Duration
}

func NewChatHandler(log *slog.Logger, provider Provider, gateway ToolGateway) *ChatHandler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &ChatHandler{
		log:       log,
		provider:  provider,
		gateway:   gateway,
		keepAlive: keepAliveInterval,
	}
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string     `json:"role"`
	Content string     `json:"content"`
	Parts   []chatPart `json:"parts"`
}

type chatPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	turns := normalizeMessages(req.Messages)
	if len(turns) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Upstream calls can take tens of seconds before the first byte; a
	// server-wide read deadline would tear the connection down mid-stream.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	// r.Context() is cancelled when the client goes away at the transport
	// level, which is the disconnect signal we care about.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := newSSEStream(w)

	done := make(chan struct{})
	go h.keepAliveLoop(ctx, stream, done)

	// The watcher closes the stream only on a real client disconnect; once
	// the loop has returned, it exits without touching the closed flag so
	// the terminal marker can still be written.
	loopDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.close()
		case <-loopDone:
		}
	}()

	loop := NewLoop(h.log, h.provider, h.gateway, stream)
	err := loop.Run(ctx, turns)
	close(loopDone)

	if err != nil {
		h.log.Error("chat stream failed", "component", "bridge", "error", err)
	}
	if !stream.isClosed() {
		if err := stream.terminate(); err != nil && !errors.Is(err, errStreamClosed) {
			h.log.Debug("stream termination failed", "component", "bridge", "error", err)
		}
	}

	cancel()
	<-done
}

func (h *ChatHandler) keepAliveLoop(ctx context.Context, stream *sseStream, done chan<- struct{}) {
	defer close(done)

	interval := h.keepAlive
	if interval <= 0 {
		interval = keepAliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stream.keepAlive(); err != nil {
				return
			}
		}
	}
}

// normalizeMessages flattens both accepted upstream shapes ({role, content}
// and {role, parts}) into plain role+text turns. Entries with no usable text
// are dropped.
func normalizeMessages(messages []chatMessage) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, msg := range messages {
		text := msg.Content
		if text == "" && len(msg.Parts) > 0 {
			var parts []string
			for _, p := range msg.Parts {
				if p.Type != "text" {
					continue
				}
				if p.Text == "" {
					continue
				}
				parts = append(parts, p.Text)
			}
			text = strings.Join(parts, "\n")
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, TextTurn(normalizeRole(msg.Role), text))
	}
	return turns
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
