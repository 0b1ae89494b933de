package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/breez/kv-sync/kv"
)

// Watch streams the server change feed and calls fn for every changed
// record, without its value. It returns when ctx is done or the stream
// breaks; a canceled ctx is not reported as an error.
func (c *Client) Watch(ctx context.Context, fn func(kv.RemoteRecord)) error {
	req, err := c.newRequest(ctx, request{method: http.MethodGet, path: ChangesPath})
	if err != nil {
		return kv.Transport("", fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return kv.Transport("", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kv.Transport("", fmt.Errorf("unexpected status %v", resp.StatusCode))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	event := ""
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			event = ""
		case bytes.HasPrefix(line, []byte("event: ")):
			event = string(bytes.TrimPrefix(line, []byte("event: ")))
		case bytes.HasPrefix(line, []byte("data: ")):
			if event != "" && event != ChangeEventName {
				continue
			}
			var change WireRecord
			if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &change); err != nil {
				return kv.Transport("", fmt.Errorf("failed to decode change: %w", err))
			}
			rec := change.Record()
			rec.Value = nil
			fn(*rec)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return kv.Transport("", err)
	}
	return nil
}
