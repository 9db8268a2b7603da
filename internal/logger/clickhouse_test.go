package logger

import (
	"context"
	"testing"
)

// These tests exercise ClickHouseSink's error paths without a live
// ClickHouse server — standing one up is out of scope for this package's
// test tooling (no in-process fake ClickHouse exists in the dependency
// set, unlike miniredis for internal/cache).

func TestNewClickHouseSinkRequiresBaseLogger(t *testing.T) {
	_, err := NewClickHouseSink(context.Background(), "clickhouse://localhost:9000/default", "", nil)
	if err == nil {
		t.Fatal("NewClickHouseSink(nil base) = nil error, want an error")
	}
}

func TestNewClickHouseSinkRejectsInvalidDSN(t *testing.T) {
	base, err := New(context.Background(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer base.Close()

	_, err = NewClickHouseSink(context.Background(), "not-a-valid-dsn", "request_logs", base)
	if err == nil {
		t.Fatal("NewClickHouseSink(invalid dsn) = nil error, want a parse error")
	}
}
