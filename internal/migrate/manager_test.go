package migrate

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	in := `create table a (x text default 'a;b');
-- a comment; with a semicolon
insert into a values ('c');
select 1`
	got := splitStatements(in)
	if len(got) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(got), got)
	}
	if !regexp.MustCompile(`'a;b'`).MatchString(got[0]) {
		t.Fatalf("quoted semicolon split: %q", got[0])
	}
}

func TestCollectSQLOrdersAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0002_b.up.sql":   {Data: []byte("select 2;")},
		"m/0001_a.up.sql":   {Data: []byte("select 1;")},
		"m/0001_a.down.sql": {Data: []byte("select 0;")},
		"m/readme.md":       {Data: []byte("x")},
	}
	ups, err := collectSQL(Source{FS: fsys, Dir: "m"}, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) != 2 || ups[0] != "0001_a.up.sql" || ups[1] != "0002_b.up.sql" {
		t.Fatalf("unexpected files: %v", ups)
	}
	seeds, err := collectSQL(Source{FS: fsys, Dir: "m"}, ".sql")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range seeds {
		if s == "0001_a.down.sql" {
			t.Fatal("down files must not be treated as seeds")
		}
	}
	missing, err := collectSQL(Source{FS: fsys, Dir: "absent"}, ".sql")
	if err != nil || missing != nil {
		t.Fatalf("missing dir should be empty: %v %v", missing, err)
	}
}

func TestUpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"sql/0001_init.up.sql":  {Data: []byte("create table t (id int);")},
		"sql/0002_more.up.sql":  {Data: []byte("alter table t add column x int;")},
		"sql/0001_init.down.sql": {Data: []byte("drop table t;")},
	}

	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_seeds")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("alter table t add column x int;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_migrations(name, applied_at)")).
		WithArgs("0002_more.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, Source{FS: fsys, Dir: "sql"})
	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_more.up.sql" {
		t.Fatalf("unexpected applied list: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	mgr := NewManager(db, Source{FS: fstest.MapFS{}, Dir: "."})
	if _, err := mgr.Down(context.Background()); err == nil {
		t.Fatal("expected error without applied migrations")
	}
}
