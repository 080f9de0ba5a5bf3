package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("ctr_")
	if !strings.HasPrefix(id, "ctr_") {
		t.Fatalf("expected ctr_ prefix, got %s", id)
	}
	if len(id) != len("ctr_")+32 {
		t.Fatalf("unexpected length %d for %s", len(id), id)
	}
	if !Valid("ctr_", id) {
		t.Errorf("Valid rejected generated id %s", id)
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("esc_")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestValid_Rejects(t *testing.T) {
	if Valid("ctr_", "wd_0123456789abcdef0123456789abcdef") {
		t.Error("wrong prefix accepted")
	}
	if Valid("ctr_", "ctr_short") {
		t.Error("short id accepted")
	}
	if Valid("ctr_", "ctr_zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz") {
		t.Error("non-hex id accepted")
	}
}
