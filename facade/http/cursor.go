package http

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/asyncgate/asyncgate/internal/lease"
	"github.com/asyncgate/asyncgate/internal/receipt"
	"github.com/asyncgate/asyncgate/internal/task"
)

// Cursors are opaque base64 strings over the store's own pagination key
// so a caller never has to understand the underlying ordering — the
// same contract the teacher's list endpoints make via their own opaque
// page tokens.

func encodeTaskCursor(c *task.Cursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.CreatedAt.UnixNano(), c.TaskID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeTaskCursor(s string) (*task.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errMalformedCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, errMalformedCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errMalformedCursor
	}
	return &task.Cursor{CreatedAt: time.Unix(0, nanos).UTC(), TaskID: parts[1]}, nil
}

func encodeReceiptCursor(c *receipt.Cursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.CreatedAtUnixNano, c.ReceiptID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeReceiptCursor(s string) (*receipt.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errMalformedCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, errMalformedCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errMalformedCursor
	}
	return &receipt.Cursor{CreatedAtUnixNano: nanos, ReceiptID: parts[1]}, nil
}

func leaseClaimRequest(workerID string, caps map[string]struct{}, maxTasks int, ttl time.Duration) lease.ClaimRequest {
	if maxTasks <= 0 {
		maxTasks = 1
	}
	return lease.ClaimRequest{WorkerID: workerID, Capabilities: caps, MaxTasks: maxTasks, TTL: ttl}
}
