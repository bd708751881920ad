package migrate

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var testFiles = fstest.MapFS{
	"0001_init.up.sql":    {Data: []byte("create table a (id text);\ncreate table b (note text default 'x;y');\n")},
	"0001_init.down.sql":  {Data: []byte("drop table b;\ndrop table a;\n")},
	"0002_index.up.sql":   {Data: []byte("create index a_idx on a (id);")},
	"0002_index.down.sql": {Data: []byte("drop index a_idx;")},
	"README.md":           {Data: []byte("not sql")},
}

func newManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return NewManager(db, testFiles, WithClock(func() time.Time { return fixed })), mock
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create index a_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_index.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_index.up.sql" {
		t.Fatalf("applied = %v", applied)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create table b (note text default 'x;y');")).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if _, err := m.Up(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDownRevertsLatest(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql").AddRow("0002_index.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop index a_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0002_index.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := m.Down(context.Background())
	if err != nil || name != "0002_index.up.sql" {
		t.Fatalf("Down = %q, %v", name, err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if _, err := m.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	m, mock := newManager(t)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	st, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st) != 2 || !st[0].Applied || st[1].Applied || st[1].Name != "0002_index.up.sql" {
		t.Fatalf("Status = %+v", st)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("insert into t values ('a;b'); select 1;\n  ")
	if len(got) != 2 {
		t.Fatalf("splitStatements = %q", got)
	}
	if got[0] != "insert into t values ('a;b');" {
		t.Fatalf("first statement = %q", got[0])
	}
}
