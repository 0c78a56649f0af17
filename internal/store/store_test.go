package store

import "testing"

func TestIsSQLiteDSN(t *testing.T) {
	cases := map[string]bool{
		"sqlite::memory:":                     true,
		"sqlite:/tmp/bot.db":                   true,
		"bot.db":                               true,
		"bot.sqlite":                           true,
		":memory:":                             true,
		"root@tcp(127.0.0.1:3306)/bot_prod":    false,
		"user:pass@tcp(dolt:3306)/bot_shared":  false,
	}
	for dsn, want := range cases {
		if got := isSQLiteDSN(dsn); got != want {
			t.Errorf("isSQLiteDSN(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestOpenSQLiteMemory(t *testing.T) {
	db, err := Open("sqlite::memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := sqlDB.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRedactDSN(t *testing.T) {
	got := redactDSN("root:hunter2@tcp(127.0.0.1:3306)/bot_prod")
	if got != "***@tcp(127.0.0.1:3306)/bot_prod" {
		t.Errorf("redactDSN did not strip credentials: %q", got)
	}
}
