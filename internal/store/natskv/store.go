// Package natskv keeps presence in a JetStream key-value bucket keyed by
// user id. The bucket's watcher is the change feed.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

const (
	bucketName    = "PRESENCE"
	upsertSubject = "presence.upsert"
	upsertQueue   = "presence-writers"
	casAttempts   = 3
)

func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// value is the JSON stored under each user's key.
type value struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

type upsertRequest struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

var tracer = otel.Tracer("presence/natskv")

type Store struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	logger *slog.Logger
	writer presence.Writer
}

// New binds to the presence bucket, creating it on first use.
func New(nc *nats.Conn, logger *slog.Logger) (*Store, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(bucketName)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucketName,
			History: 1,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind %s bucket: %w", bucketName, err)
	}

	s := &Store{nc: nc, kv: kv, logger: logger}
	s.writer = presence.NewFallbackWriter(
		presence.WriterFunc(s.request),
		presence.WriterFunc(s.put),
		logger,
	)
	return s, nil
}

func (s *Store) LoadAll(ctx context.Context) ([]presence.Record, error) {
	watcher, err := s.kv.WatchAll(nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", bucketName, err)
	}
	defer watcher.Stop()

	var recs []presence.Record
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		rec, err := decodeValue(entry.Key(), entry.Value())
		if err != nil {
			s.logger.Warn("skipping invalid presence entry", "key", entry.Key(), "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, ctx.Err()
}

func (s *Store) Upsert(ctx context.Context, rec presence.Record) error {
	ctx, span := tracer.Start(ctx, "presence upsert",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "nats"),
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

// request routes the write to a presence.upsert responder, which only
// accepts it if it is at least as fresh as the stored value.
func (s *Store) request(ctx context.Context, rec presence.Record) error {
	data, err := json.Marshal(upsertRequest{
		UserID:   rec.UserID,
		Status:   string(rec.Status),
		LastSeen: rec.LastSeenAt.UnixMilli(),
	})
	if err != nil {
		return err
	}

	reply, err := s.nc.RequestWithContext(ctx, upsertSubject, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%w: %v", presence.ErrProcedureUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("request %s: %w", upsertSubject, err)
	}
	if msg := string(reply.Data); msg != "ok" {
		return fmt.Errorf("%s: %s", upsertSubject, strings.TrimPrefix(msg, "error: "))
	}
	return nil
}

func (s *Store) put(ctx context.Context, rec presence.Record) error {
	data, err := encodeValue(rec)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(rec.UserID, data); err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	return nil
}

// ServeUpsert answers presence.upsert requests in the presence-writers queue
// group. Stale writes are acknowledged but not stored.
func (s *Store) ServeUpsert() (*nats.Subscription, error) {
	return s.nc.QueueSubscribe(upsertSubject, upsertQueue, func(msg *nats.Msg) {
		var req upsertRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserID == "" {
			msg.Respond([]byte("error: invalid request"))
			return
		}
		status, err := presence.ParseStatus(req.Status)
		if err != nil {
			msg.Respond([]byte("error: " + err.Error()))
			return
		}

		rec := presence.Record{UserID: req.UserID, Status: status, LastSeenAt: time.UnixMilli(req.LastSeen).UTC()}
		if err := s.casPut(rec); err != nil {
			s.logger.Warn("presence upsert failed", "user", req.UserID, "error", err)
			msg.Respond([]byte("error: " + err.Error()))
			return
		}
		msg.Respond([]byte("ok"))
	})
}

func (s *Store) casPut(rec presence.Record) error {
	data, err := encodeValue(rec)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := s.kv.Get(rec.UserID)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, err = s.kv.Create(rec.UserID, data); err == nil {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}

		stored, err := decodeValue(rec.UserID, entry.Value())
		if err == nil && !fresher(rec, stored) {
			return nil
		}
		if _, err = s.kv.Update(rec.UserID, data, entry.Revision()); err == nil {
			return nil
		}
		s.logger.Debug("presence CAS lost, retrying", "user", rec.UserID, "attempt", attempt+1)
	}
	return fmt.Errorf("presence CAS for %s failed after %d attempts", rec.UserID, casAttempts)
}

func (s *Store) Watch(ctx context.Context, fn func(presence.Event)) error {
	watcher, err := s.kv.WatchAll(nats.UpdatesOnly(), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("watch %s: %w", bucketName, err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("presence watcher closed")
			}
			if entry == nil {
				continue
			}
			ev, err := eventFromEntry(entry)
			if err != nil {
				s.logger.Warn("invalid presence entry", "key", entry.Key(), "error", err)
				continue
			}
			fn(ev)
		}
	}
}

// fresher reports whether incoming may replace stored.
func fresher(incoming, stored presence.Record) bool {
	return !incoming.LastSeenAt.Before(stored.LastSeenAt)
}

func eventFromEntry(entry nats.KeyValueEntry) (presence.Event, error) {
	switch entry.Operation() {
	case nats.KeyValueDelete, nats.KeyValuePurge:
		return presence.Event{Type: presence.EventDelete, Record: presence.Record{UserID: entry.Key()}}, nil
	}
	rec, err := decodeValue(entry.Key(), entry.Value())
	if err != nil {
		return presence.Event{}, err
	}
	return presence.Event{Type: presence.EventUpdate, Record: rec}, nil
}

func encodeValue(rec presence.Record) ([]byte, error) {
	return json.Marshal(value{Status: string(rec.Status), LastSeen: rec.LastSeenAt.UnixMilli()})
}

func decodeValue(key string, data []byte) (presence.Record, error) {
	var v value
	if err := json.Unmarshal(data, &v); err != nil {
		return presence.Record{}, fmt.Errorf("decode presence value: %w", err)
	}
	status, err := presence.ParseStatus(v.Status)
	if err != nil {
		return presence.Record{}, err
	}
	rec := presence.Record{UserID: key, Status: status}
	if v.LastSeen > 0 {
		rec.LastSeenAt = time.UnixMilli(v.LastSeen).UTC()
	}
	return rec, nil
}
