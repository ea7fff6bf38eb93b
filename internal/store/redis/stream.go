package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	payloadField  = "payload"
	readBlockSpan = 5 * time.Second
)

// MessageTransport is the stream surface the redis source backend
// consumes. Satisfied by Stream against a real server and by
// InMemoryStream in tests.
type MessageTransport interface {
	PublishJSON(ctx context.Context, stream string, v any) (string, error)
	ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error)
	LoadStreamCheckpoint(ctx context.Context, key string) (string, error)
	PersistStreamCheckpoint(ctx context.Context, key, offset string) error
	Close() error
}

// Stream wraps a Redis Streams connection.
type Stream struct {
	client *redis.Client
}

func NewStream(url string) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Stream{client: client}, nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}

// PublishJSON appends v to the stream and returns the assigned entry id.
func (s *Stream) PublishJSON(ctx context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// ReadJSON blocks until an entry after lastID arrives, unmarshals its
// payload into dst, and returns the entry id to resume from. Decode
// errors return the offending entry id with the error so consumers can
// skip poison entries.
func (s *Stream) ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error) {
	if lastID == "" {
		lastID = "0"
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   1,
			Block:   readBlockSpan,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("xread %s: %w", stream, err)
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}
		msg := res[0].Messages[0]
		raw, err := streamPayload(msg.Values[payloadField])
		if err != nil {
			return msg.ID, fmt.Errorf("entry %s: %w", msg.ID, err)
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return msg.ID, fmt.Errorf("unmarshal entry %s: %w", msg.ID, err)
		}
		return msg.ID, nil
	}
}

// LoadStreamCheckpoint returns the persisted resume offset for key, or
// empty when none exists.
func (s *Stream) LoadStreamCheckpoint(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return value, nil
}

// PersistStreamCheckpoint stores the resume offset for key. An empty key
// is a no-op so callers without checkpointing configured stay simple.
func (s *Stream) PersistStreamCheckpoint(ctx context.Context, key, offset string) error {
	if key == "" {
		return nil
	}
	if err := validateStreamOffset(offset); err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, offset, 0).Err(); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", key, err)
	}
	return nil
}

// streamPayload normalizes the wire value of a stream field to bytes.
func streamPayload(v any) ([]byte, error) {
	switch value := v.(type) {
	case string:
		return []byte(value), nil
	case []byte:
		return value, nil
	case fmt.Stringer:
		return []byte(value.String()), nil
	default:
		return nil, fmt.Errorf("payload type %T not supported", v)
	}
}

// parseStreamOffset extracts the numeric position from a stream offset.
// Compound ids ("123-0") keep only the sequence part; negatives clamp
// to zero.
func parseStreamOffset(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	head, _, _ := strings.Cut(s, "-")
	if head == "" {
		// "-5" splits to an empty head; reparse the whole token.
		head = s
	}
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("offset %q is not numeric", s)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// validateStreamOffset accepts "" and well-formed ids: "N" or "N-S" with
// both components non-negative integers.
func validateStreamOffset(s string) error {
	if s == "" {
		return nil
	}
	head, tail, compound := strings.Cut(s, "-")
	if _, err := strconv.ParseUint(head, 10, 64); err != nil {
		return fmt.Errorf("offset %q is not a valid stream id", s)
	}
	if compound {
		if _, err := strconv.ParseUint(tail, 10, 64); err != nil {
			return fmt.Errorf("offset %q is not a valid stream id", s)
		}
	}
	return nil
}

// compareStreamIDs orders "N-S" stream ids numerically by sequence then
// sub-sequence. Bare numbers compare as "N-0".
func compareStreamIDs(a, b string) int {
	an, as := splitStreamID(a)
	bn, bs := splitStreamID(b)
	switch {
	case an != bn:
		if an < bn {
			return -1
		}
		return 1
	case as != bs:
		if as < bs {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func splitStreamID(s string) (int64, int64) {
	head, tail, compound := strings.Cut(strings.TrimSpace(s), "-")
	n, _ := strconv.ParseInt(head, 10, 64)
	var sub int64
	if compound {
		sub, _ = strconv.ParseInt(tail, 10, 64)
	}
	return n, sub
}
