// Package redis keeps presence in Redis hashes and publishes changes over
// Pub/Sub. Writes go through the presence_upsert Redis Function when it is
// loaded.
package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

const (
	keyPrefix      = "presence:"
	membersKey     = "presence:users"
	changesChannel = "presence:changes"
	functionName   = "presence_upsert"
)

//go:embed presence.lua
var functionLibrary string

func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

var tracer = otel.Tracer("presence/redis")

type Store struct {
	rdb    *goredis.Client
	logger *slog.Logger
	writer presence.Writer
}

func New(rdb *goredis.Client, logger *slog.Logger) *Store {
	s := &Store{rdb: rdb, logger: logger}
	s.writer = presence.NewFallbackWriter(
		presence.WriterFunc(s.callFunction),
		presence.WriterFunc(s.writeHash),
		logger,
	)
	return s
}

// LoadFunction installs the presence_upsert function library, replacing any
// older version.
func (s *Store) LoadFunction(ctx context.Context) error {
	if err := s.rdb.FunctionLoadReplace(ctx, functionLibrary).Err(); err != nil {
		return fmt.Errorf("load presence function: %w", err)
	}
	return nil
}

func (s *Store) LoadAll(ctx context.Context) ([]presence.Record, error) {
	ids, err := s.rdb.SMembers(ctx, membersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load presence hashes: %w", err)
	}

	recs := make([]presence.Record, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromHash(ids[i], fields)
		if err != nil {
			s.logger.Warn("skipping invalid presence hash", "user", ids[i], "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) Upsert(ctx context.Context, rec presence.Record) error {
	ctx, span := tracer.Start(ctx, "presence upsert",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("presence.status", string(rec.Status)),
		))
	defer span.End()

	if err := s.writer.Upsert(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Store) callFunction(ctx context.Context, rec presence.Record) error {
	err := s.rdb.FCall(ctx, functionName,
		[]string{keyPrefix + rec.UserID, membersKey},
		rec.UserID, string(rec.Status), rec.LastSeenAt.UnixMilli(), changesChannel,
	).Err()
	if isFunctionMissing(err) {
		return fmt.Errorf("%w: %v", presence.ErrProcedureUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("fcall %s: %w", functionName, err)
	}
	return nil
}

func (s *Store) writeHash(ctx context.Context, rec presence.Record) error {
	payload, err := json.Marshal(wireEvent{EventType: string(presence.EventUpdate), New: toWire(rec)})
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, keyPrefix+rec.UserID,
			"user_id", rec.UserID,
			"status", string(rec.Status),
			"last_seen_at", rec.LastSeenAt.UnixMilli(),
		)
		pipe.SAdd(ctx, membersKey, rec.UserID)
		pipe.Publish(ctx, changesChannel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence hash: %w", err)
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, fn func(presence.Event)) error {
	sub := s.rdb.Subscribe(ctx, changesChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", changesChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("presence subscription closed")
			}
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("invalid presence event", "error", err)
				continue
			}
			fn(ev)
		}
	}
}

func isFunctionMissing(err error) bool {
	var rerr goredis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	return strings.Contains(rerr.Error(), "Function not found")
}

type wireEvent struct {
	EventType string      `json:"eventType"`
	New       *wireRecord `json:"new"`
}

type wireRecord struct {
	UserID     string  `json:"user_id"`
	Status     string  `json:"status,omitempty"`
	LastSeenAt float64 `json:"last_seen_at,omitempty"`
}

func toWire(rec presence.Record) *wireRecord {
	return &wireRecord{
		UserID:     rec.UserID,
		Status:     string(rec.Status),
		LastSeenAt: float64(rec.LastSeenAt.UnixMilli()),
	}
}

func decodeEvent(payload []byte) (presence.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return presence.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if w.New == nil || w.New.UserID == "" {
		return presence.Event{}, errors.New("event without user")
	}

	ev := presence.Event{Type: presence.EventType(w.EventType)}
	switch ev.Type {
	case presence.EventDelete:
		ev.Record = presence.Record{UserID: w.New.UserID}
		return ev, nil
	case presence.EventInsert, presence.EventUpdate:
	default:
		return ev, fmt.Errorf("unknown event type %q", w.EventType)
	}

	status, err := presence.ParseStatus(w.New.Status)
	if err != nil {
		return ev, err
	}
	ev.Record = presence.Record{
		UserID:     w.New.UserID,
		Status:     status,
		LastSeenAt: fromMillis(int64(math.Round(w.New.LastSeenAt))),
	}
	return ev, nil
}

func recordFromHash(userID string, fields map[string]string) (presence.Record, error) {
	status, err := presence.ParseStatus(fields["status"])
	if err != nil {
		return presence.Record{}, err
	}
	ms, _ := strconv.ParseInt(fields["last_seen_at"], 10, 64)
	return presence.Record{UserID: userID, Status: status, LastSeenAt: fromMillis(ms)}, nil
}

// fromMillis maps missing or non-positive timestamps to the zero time.
func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
