package db

import (
	"context"
	"os"
	"testing"
)

func TestConnectRejectsEmptyURL(t *testing.T) {
	if _, err := Connect(context.Background(), "", 1); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestConnectRejectsMalformedURL(t *testing.T) {
	if _, err := Connect(context.Background(), "postgres://%zz", 1); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConnect(t *testing.T) {
	url := os.Getenv("TASKPILOT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TASKPILOT_TEST_DATABASE_URL not set")
	}
	pool, err := Connect(context.Background(), url, 2)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pool.Close()
	if got := pool.Config().MaxConns; got != 2 {
		t.Errorf("MaxConns = %d", got)
	}
}
