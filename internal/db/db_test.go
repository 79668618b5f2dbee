package db

import "testing"

func TestRebind(t *testing.T) {
	q := `SELECT * FROM t WHERE a=? AND b='?' AND c=?`
	if got := Rebind(SQLite, q); got != q {
		t.Fatalf("sqlite query should be unchanged, got %s", got)
	}
	want := `SELECT * FROM t WHERE a=$1 AND b='?' AND c=$2`
	if got := Rebind(Postgres, q); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "pgx"}); err == nil {
		t.Fatalf("postgres needs a dsn")
	}
}
