// Package postgres keeps presence in a Postgres table, publishing row changes
// with LISTEN/NOTIFY.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	notifyChannel = "presence_changes"

	// SQLSTATE undefined_function
	codeUndefinedFunction = "42883"
)

var tracer = otel.Tracer("presence/postgres")

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	writer presence.Writer
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	s := &Store{pool: pool, logger: logger}
	s.writer = presence.NewFallbackWriter(
		presence.WriterFunc(s.callProcedure),
		presence.WriterFunc(s.upsertRow),
		logger,
	)
	return s
}

// Migrate applies the embedded schema. Every file is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		s.logger.Info("migration applied", "file", name)
	}
	return nil
}

func (s *Store) LoadAll(ctx context.Context) ([]presence.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, status, last_seen_at FROM user_presence`)
	if err != nil {
		return nil, fmt.Errorf("select presence: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (presence.Record, error) {
		var rec presence.Record
		var status string
		if err := row.Scan(&rec.UserID, &status, &rec.LastSeenAt); err != nil {
			return rec, err
		}
		rec.Status = presence.Status(status)
		return rec, nil
	})
}

func (s *Store) Upsert(ctx context.Context, rec presence.Record) error {
	ctx, span := tracer.Start(ctx, "presence upsert",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
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

func (s *Store) callProcedure(ctx context.Context, rec presence.Record) error {
	_, err := s.pool.Exec(ctx, `SELECT upsert_presence($1, $2, $3)`,
		rec.UserID, string(rec.Status), rec.LastSeenAt)
	if isUndefinedFunction(err) {
		return fmt.Errorf("%w: %v", presence.ErrProcedureUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("call upsert_presence: %w", err)
	}
	return nil
}

func (s *Store) upsertRow(ctx context.Context, rec presence.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_presence (user_id, status, last_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
			SET status = EXCLUDED.status, last_seen_at = EXCLUDED.last_seen_at`,
		rec.UserID, string(rec.Status), rec.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert presence row: %w", err)
	}
	return nil
}

// Watch listens on the presence notification channel with a dedicated
// connection. The connection is closed rather than returned to the pool so
// no LISTEN state leaks to other users of the pool.
func (s *Store) Watch(ctx context.Context, fn func(presence.Event)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	listener := conn.Hijack()
	defer listener.Close(context.Background())

	if _, err := listener.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.logger.Debug("listening for presence changes", "channel", notifyChannel)

	for {
		n, err := listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		ev, err := decodeNotification([]byte(n.Payload))
		if err != nil {
			s.logger.Warn("invalid presence notification", "error", err)
			continue
		}
		fn(ev)
	}
}

func isUndefinedFunction(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeUndefinedFunction
	}
	return false
}

type notification struct {
	EventType string `json:"eventType"`
	New       *row   `json:"new"`
	Old       *row   `json:"old"`
}

type row struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	LastSeenAt string `json:"last_seen_at"`
}

func decodeNotification(payload []byte) (presence.Event, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return presence.Event{}, fmt.Errorf("decode notification: %w", err)
	}

	ev := presence.Event{Type: presence.EventType(n.EventType)}
	switch ev.Type {
	case presence.EventInsert, presence.EventUpdate:
		if n.New == nil {
			return ev, fmt.Errorf("%s notification without row", n.EventType)
		}
		rec, err := n.New.record()
		if err != nil {
			return ev, err
		}
		ev.Record = rec
	case presence.EventDelete:
		if n.Old == nil {
			return ev, errors.New("DELETE notification without row")
		}
		ev.Record = presence.Record{UserID: n.Old.UserID}
	default:
		return ev, fmt.Errorf("unknown event type %q", n.EventType)
	}
	return ev, nil
}

// record converts a row_to_json row. Unparseable timestamps become the zero
// time, which resolves as very old.
func (r *row) record() (presence.Record, error) {
	status, err := presence.ParseStatus(r.Status)
	if err != nil {
		return presence.Record{}, err
	}
	seen, err := time.Parse(time.RFC3339Nano, r.LastSeenAt)
	if err != nil {
		seen = time.Time{}
	}
	return presence.Record{UserID: r.UserID, Status: status, LastSeenAt: seen}, nil
}
