package mirrorsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/cashrecon_backend/config"
	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/store"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// openNode opens a migrated in-memory sqlite store.
func openNode(t *testing.T) (*store.EmbeddedStore, *gorm.DB) {
	t.Helper()
	db, err := config.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	s, err := store.NewEmbeddedStore(db)
	if err != nil {
		t.Fatalf("NewEmbeddedStore: %v", err)
	}
	return s, db
}

func nodeContext(nodeId string) context.Context {
	return utils.SetNodeIdInContext(context.Background(), nodeId)
}

func countRows(t *testing.T, s store.Store, query string, args ...any) int {
	t.Helper()
	row, found, err := s.Prepare(query).Get(context.Background(), args...)
	if err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	if !found {
		return 0
	}
	for _, v := range row {
		n, _ := toInt64(v)
		if n == nil {
			return 0
		}
		return int(n.(int64))
	}
	return 0
}

func ids(t *testing.T, s store.Store, query string, args ...any) []int64 {
	t.Helper()
	rows, err := s.Prepare(query).All(context.Background(), args...)
	if err != nil {
		t.Fatalf("ids %q: %v", query, err)
	}
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowId(r))
	}
	return out
}

func equalIds(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// startCentral serves the receiving routes over a fresh store.
func startCentral(t *testing.T, apiKey string) (*httptest.Server, *Applier, *store.EmbeddedStore, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, db := openNode(t)
	applier := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)
	r := gin.New()
	RegisterRemoteRoutes(r, applier, apiKey)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, applier, s, db
}

type fakeTransport struct {
	mu        sync.Mutex
	payloads  []map[string]any
	failKeys  map[string]error
	requests  *RequestsResponse
	fetches   int
	deleted   []int64
	deleteErr error

	// when set, FetchRequests signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failKeys: map[string]error{}}
}

func (f *fakeTransport) SendPayload(_ context.Context, payload map[string]any) (*SyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	for key := range payload {
		if err := f.failKeys[key]; err != nil {
			return nil, err
		}
	}
	return &SyncResponse{Success: true}, nil
}

func (f *fakeTransport) SendInBatches(ctx context.Context, key string, rows []store.Row, batchSize int) (*SyncResponse, error) {
	for _, chunk := range utils.ChunkSlice(rows, batchSize) {
		if _, err := f.SendPayload(ctx, map[string]any{key: chunk}); err != nil {
			return nil, err
		}
	}
	return &SyncResponse{Success: true}, nil
}

func (f *fakeTransport) FetchRequests(context.Context) (*RequestsResponse, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.requests == nil {
		return &RequestsResponse{Success: true}, nil
	}
	return f.requests, nil
}

func (f *fakeTransport) DeleteRequest(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTransport) setRequests(resp *RequestsResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = resp
}

// sentRows counts rows pushed under key across all payloads.
func (f *fakeTransport) sentRows(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.payloads {
		switch v := p[key].(type) {
		case []store.Row:
			n += len(v)
		case []int64:
			n += len(v)
		}
	}
	return n
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (d *recordingDispatcher) Send(_ context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

var errBoom = errors.New("boom")

func ts(day, hour int) time.Time {
	return time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC)
}
