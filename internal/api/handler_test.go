package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

type staticStore []presence.Record

func (s staticStore) Upsert(context.Context, presence.Record) error { return nil }

func (s staticStore) LoadAll(context.Context) ([]presence.Record, error) { return s, nil }

func (s staticStore) Watch(ctx context.Context, _ func(presence.Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestRouter(t *testing.T, now time.Time, recs ...presence.Record) *mux.Router {
	t.Helper()
	cache := presence.NewCache(staticStore(recs), slog.Default())
	require.NoError(t, cache.Reload(context.Background()))

	r := mux.NewRouter()
	NewHandler(cache, presence.Resolver{Location: time.UTC}, clockwork.NewFakeClockAt(now)).Register(r)
	return r
}

func doGet(t *testing.T, r http.Handler, path string, out interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestList(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	r := newTestRouter(t, now,
		presence.Record{UserID: "b", Status: presence.StatusOnline, LastSeenAt: now.Add(-10 * time.Second)},
		presence.Record{UserID: "a", Status: presence.StatusOffline, LastSeenAt: now.Add(-3 * time.Hour)},
	)

	var views []presence.View
	doGet(t, r, "/presence", &views)

	require.Len(t, views, 2)
	assert.Equal(t, "a", views[0].UserID)
	assert.Equal(t, "Last seen today at 09:00", views[0].LastSeen)
	assert.False(t, views[0].Online)
	assert.Equal(t, "b", views[1].UserID)
	assert.True(t, views[1].Online)
	assert.Equal(t, "Online", views[1].LastSeen)
}

func TestGet(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	r := newTestRouter(t, now,
		presence.Record{UserID: "stale", Status: presence.StatusOnline, LastSeenAt: now.Add(-5 * time.Minute)},
	)

	var v presence.View
	doGet(t, r, "/presence/stale", &v)
	assert.Equal(t, presence.StatusOnline, v.Status)
	assert.False(t, v.Online)
	assert.Equal(t, "Last seen 5 min ago", v.LastSeen)

	var missing presence.View
	doGet(t, r, "/presence/nobody", &missing)
	assert.Equal(t, presence.View{UserID: "nobody", Status: presence.StatusOffline, LastSeen: "Offline"}, missing)
}
