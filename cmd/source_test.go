package cmd

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLSourceQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT8", int64(0)),
		sqlmock.NewColumn("name").OfType("TEXT", ""),
		sqlmock.NewColumn("payload").OfType("BYTEA", []byte{}),
	).
		AddRow(int64(1), []byte("alice"), []byte{0x00, 0x01}).
		AddRow(int64(2), nil, nil)

	query := "SELECT id, name, payload FROM users ORDER BY id LIMIT 2"
	mock.ExpectQuery(regexp.QuoteMeta(query)).WillReturnRows(rows)

	result, err := NewSQLSource(db).Query(context.Background(), query)
	if err != nil {
		t.Fatal(err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result))
	}

	first := result[0]
	if got := first.Columns; len(got) != 3 || got[0] != "id" || got[1] != "name" || got[2] != "payload" {
		t.Fatalf("columns out of order: %v", got)
	}
	if v, _ := first.Get("name"); v != "alice" {
		t.Fatalf("text bytes should become a string, got %#v", v)
	}
	if v, _ := first.Get("payload"); v == nil {
		t.Fatal("binary column lost its value")
	} else if _, ok := v.([]byte); !ok {
		t.Fatalf("binary column should keep []byte, got %T", v)
	}
	if v, ok := result[1].Get("name"); !ok || v != nil {
		t.Fatalf("NULL should scan as nil, got %#v", v)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLSourceQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	boom := errors.New("relation does not exist")
	mock.ExpectQuery("SELECT").WillReturnError(boom)

	_, err = NewSQLSource(db).Query(context.Background(), "SELECT * FROM missing")
	if !errors.Is(err, boom) {
		t.Fatalf("expected driver error, got %v", err)
	}
}
