package nomadclient

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strconv"

	"github.com/gravitational/trace"
)

// EventStreamLine is one newline-delimited JSON record received from
// /v1/event/stream, still in its raw wire shape -- unwrapping into
// nomadapi.Event happens in internal/cache, which is the layer that knows
// about per-kind selection.
type EventStreamLine struct {
	Events []RawEvent `json:"Events"`
}

// RawEvent is one event inside an EventStreamLine's Events array.
type RawEvent struct {
	Index   uint64          `json:"Index"`
	Topic   string          `json:"Topic"`
	Type    string          `json:"Type"`
	Key     string          `json:"Key"`
	Payload json.RawMessage `json:"Payload"`
}

// EventStream opens the scheduler's event stream for the given topics and
// returns a line scanner over it. The caller is responsible for decoding
// each line as an EventStreamLine and for closing the stream via the
// returned io.Closer.
//
// A permission-denied response surfaces as trace.IsAccessDenied(err) so the
// Event Cache can fall back to polling for this stream only, per spec.md
// §4.1's failure contract.
func (c *Client) EventStream(ctx context.Context, topics []string) (*bufio.Scanner, io.Closer, error) {
	v := url.Values{}
	for _, t := range topics {
		v.Add("topic", t)
	}
	resp, err := c.streamRequest(ctx, "event/stream", v)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner, resp.Body, nil
}

// LogOrigin selects where a log follow stream begins reading from.
type LogOrigin string

const (
	LogOriginStart LogOrigin = "start"
	LogOriginEnd   LogOrigin = "end"
)

// LogStreamOptions configures AllocationLogs.
type LogStreamOptions struct {
	AllocID string
	Task    string
	Type    string // "stdout" or "stderr"
	Origin  LogOrigin
	Offset  int64
}

// AllocationLogs opens a follow-mode byte stream of one task's stdout or
// stderr. The returned io.ReadCloser yields the scheduler's log-framing
// JSON objects back to back; internal/logstream decodes them.
func (c *Client) AllocationLogs(ctx context.Context, opts LogStreamOptions) (io.ReadCloser, error) {
	v := url.Values{}
	v.Set("task", opts.Task)
	v.Set("type", opts.Type)
	v.Set("follow", "true")
	v.Set("origin", string(opts.Origin))
	v.Set("offset", strconv.FormatInt(opts.Offset, 10))
	resp, err := c.streamRequest(ctx, "client/fs/logs/"+opts.AllocID, v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Body, nil
}
