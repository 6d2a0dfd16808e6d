package quota_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sambrabizz-star/istheaudio/internal/quota"
)

// ─── minimal fake SQL driver ──────────────────────────────────────────────────
// Registers a "fakeledger" driver that returns a pre-configured row (or error)
// and records the statements it was asked to run.

func init() {
	sql.Register("fakeledger", &fakeDriver{})
}

var dsnCounter int64

type fakeBehaviour struct {
	mu      sync.Mutex
	row     []driver.Value
	err     error
	queries []string
	args    [][]driver.Value
}

var registry sync.Map // dsn → *fakeBehaviour

// openFake returns a *sql.DB bound to a fresh behaviour.
func openFake(t *testing.T, b *fakeBehaviour) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("ledger-%d", atomic.AddInt64(&dsnCounter, 1))
	registry.Store(dsn, b)
	db, err := sql.Open("fakeledger", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeDriver struct{}

func (*fakeDriver) Open(name string) (driver.Conn, error) {
	v, ok := registry.Load(name)
	if !ok {
		return nil, fmt.Errorf("unknown dsn %q", name)
	}
	return &fakeConn{b: v.(*fakeBehaviour)}, nil
}

type fakeConn struct{ b *fakeBehaviour }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{b: c.b, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("no transactions") }

type fakeStmt struct {
	b     *fakeBehaviour
	query string
}

func (*fakeStmt) Close() error  { return nil }
func (*fakeStmt) NumInput() int { return -1 }
func (*fakeStmt) Exec(_ []driver.Value) (driver.Result, error) {
	return nil, errors.New("exec not supported")
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.queries = append(s.b.queries, s.query)
	s.b.args = append(s.b.args, args)
	if s.b.err != nil {
		return nil, s.b.err
	}
	var data [][]driver.Value
	if s.b.row != nil {
		data = [][]driver.Value{s.b.row}
	}
	return &fakeRows{data: data}, nil
}

type fakeRows struct {
	data [][]driver.Value
	pos  int
}

func (*fakeRows) Columns() []string { return []string{"count", "hour_bucket"} }
func (*fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestPostgresLedger_ReturnsCountAndBucket(t *testing.T) {
	bucket := time.Date(2026, 10, 16, 14, 0, 0, 0, time.UTC)
	b := &fakeBehaviour{row: []driver.Value{int64(7), bucket}}
	ledger := quota.NewPostgresLedger(openFake(t, b))

	u, err := ledger.IncrementAndGet(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Count != 7 {
		t.Errorf("Count = %d, want 7", u.Count)
	}
	if !u.Bucket.Equal(bucket) {
		t.Errorf("Bucket = %v, want %v", u.Bucket, bucket)
	}
	if want := bucket.Add(time.Hour); !u.ResetAt().Equal(want) {
		t.Errorf("ResetAt = %v, want %v", u.ResetAt(), want)
	}
}

func TestPostgresLedger_SingleUpsertStatement(t *testing.T) {
	b := &fakeBehaviour{row: []driver.Value{int64(1), time.Now()}}
	ledger := quota.NewPostgresLedger(openFake(t, b))

	if _, err := ledger.IncrementAndGet(context.Background(), "user-abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(b.queries) != 1 {
		t.Fatalf("expected exactly one statement, got %d", len(b.queries))
	}
	q := b.queries[0]
	for _, want := range []string{
		"INSERT INTO api_usage",
		"date_trunc('hour', now())",
		"ON CONFLICT (user_id, hour_bucket)",
		"count = api_usage.count + 1",
		"RETURNING count, hour_bucket",
	} {
		if !strings.Contains(q, want) {
			t.Errorf("statement missing %q:\n%s", want, q)
		}
	}
	if len(b.args[0]) != 1 || b.args[0][0] != "user-abc" {
		t.Errorf("args = %v, want [user-abc]", b.args[0])
	}
}

func TestPostgresLedger_StoreErrorIsDistinguishable(t *testing.T) {
	connErr := errors.New("connection refused")
	ledger := quota.NewPostgresLedger(openFake(t, &fakeBehaviour{err: connErr}))

	_, err := ledger.IncrementAndGet(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, quota.ErrStore) {
		t.Errorf("expected ErrStore, got %v", err)
	}
	if !errors.Is(err, connErr) {
		t.Errorf("expected underlying cause to be wrapped, got %v", err)
	}
}

func TestPostgresLedger_NoRowIsStoreError(t *testing.T) {
	ledger := quota.NewPostgresLedger(openFake(t, &fakeBehaviour{}))

	_, err := ledger.IncrementAndGet(context.Background(), "u1")
	if !errors.Is(err, quota.ErrStore) {
		t.Fatalf("expected ErrStore for missing RETURNING row, got %v", err)
	}
}

func TestPostgresLedger_EmptyIdentity(t *testing.T) {
	b := &fakeBehaviour{row: []driver.Value{int64(1), time.Now()}}
	ledger := quota.NewPostgresLedger(openFake(t, b))

	if _, err := ledger.IncrementAndGet(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty identity")
	}
	if len(b.queries) != 0 {
		t.Error("no statement may run for an empty identity")
	}
}

// ─── Policy ───────────────────────────────────────────────────────────────────

func TestPolicy_Exceeded(t *testing.T) {
	p := quota.NewPolicy(30)
	cases := []struct {
		count int64
		want  bool
	}{
		{1, false},
		{30, false},
		{31, true},
		{100, true},
	}
	for _, c := range cases {
		if got := p.Exceeded(quota.Usage{Count: c.count}); got != c.want {
			t.Errorf("Exceeded(%d) = %v, want %v", c.count, got, c.want)
		}
	}
}

func TestNewPolicy_DefaultsLimit(t *testing.T) {
	if got := quota.NewPolicy(0).Limit; got != quota.DefaultLimit {
		t.Errorf("Limit = %d, want %d", got, quota.DefaultLimit)
	}
}

func TestUsage_ResetAtIsUTCNextHour(t *testing.T) {
	paris := time.FixedZone("CEST", 2*3600)
	u := quota.Usage{Count: 3, Bucket: time.Date(2026, 10, 16, 16, 0, 0, 0, paris)}

	got := u.ResetAt()
	if got.Location() != time.UTC {
		t.Errorf("ResetAt location = %v, want UTC", got.Location())
	}
	if want := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", got, want)
	}
}
