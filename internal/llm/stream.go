package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxLineSize bounds one SSE or NDJSON line.
const maxLineSize = 1 << 20

// lineParser turns one non-empty body line into text. done reports the end
// of the stream.
type lineParser func(line string) (text string, done bool, err error)

// postJSON marshals body, sends it and checks for a 200. The caller owns the
// response body.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// callTimeout picks the request timeout over the client default.
func callTimeout(req Request, fallback time.Duration) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return fallback
}

// pump reads body line by line and forwards parsed text. It always closes
// body, calls cancel and closes the returned channel, and emits exactly one
// Done chunk unless ctx ends first.
func pump(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, parse lineParser) <-chan Chunk {
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer cancel()
		defer func() { _ = body.Close() }()

		send := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			text, done, err := parse(line)
			if text != "" && !send(Chunk{Text: text}) {
				return
			}
			if err != nil {
				send(Chunk{Done: true, Err: err})
				return
			}
			if done {
				send(Chunk{Done: true})
				return
			}
		}
		if err := sc.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			send(Chunk{Done: true, Err: fmt.Errorf("read stream: %w", err)})
			return
		}
		// Body ended without an explicit terminator.
		send(Chunk{Done: true})
	}()
	return out
}

// sseData returns the payload of an SSE "data:" line.
func sseData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
