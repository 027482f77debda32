package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"foreman/internal/domain"
)

// streamBuffer is the delta channel depth: enough to absorb generation
// bursts without letting a slow consumer tie up the connection.
const streamBuffer = 16

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a ChatDelta using the backend-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed, or
// ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.ChatDelta, error)) <-chan domain.ChatDelta {
	ch := make(chan domain.ChatDelta, streamBuffer)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data: ..." lines.
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				ch <- domain.ChatDelta{Done: true}
				return
			}

			delta, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if delta == nil {
				continue
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}

			if delta.Done {
				return
			}
		}
		// A scanner error means the stream died mid-generation; surface it so
		// consumers do not mistake a truncated answer for a complete one.
		if err := scanner.Err(); err != nil {
			select {
			case ch <- domain.ChatDelta{Err: fmt.Errorf("stream read: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
