package redis

import (
	"fmt"
	"testing"
	"time"
)

func TestWithDefaults(t *testing.T) {
	got := withDefaults(ConnectionInfo{Addr: "localhost:6379"})

	if got.DialTimeout != 5*time.Second || got.Timeout != 3*time.Second {
		t.Errorf("unexpected timeouts %s / %s", got.DialTimeout, got.Timeout)
	}
	if got.PoolSize != 10 || got.ClientName != "btc-payable" {
		t.Errorf("unexpected pool %d name %q", got.PoolSize, got.ClientName)
	}

	kept := withDefaults(ConnectionInfo{Timeout: time.Second, PoolSize: 2, ClientName: "x"})
	if kept.Timeout != time.Second || kept.PoolSize != 2 || kept.ClientName != "x" {
		t.Errorf("explicit values overwritten: %+v", kept)
	}
}

func TestIsMiss(t *testing.T) {
	if !IsMiss(fmt.Errorf("get: %w", Nil)) {
		t.Error("wrapped Nil should be a miss")
	}
	if IsMiss(fmt.Errorf("boom")) || IsMiss(nil) {
		t.Error("other errors are not misses")
	}
}
