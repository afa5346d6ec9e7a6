package acp

import (
	"strings"
	"sync"
	"testing"
)

func TestTailBufferKeepsMostRecentBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		capacity      int
		writes        []string
		want          string
		wantTruncated bool
	}{
		{name: "under capacity", capacity: 64, writes: []string{"hello world"}, want: "hello world"},
		{name: "exactly full", capacity: 8, writes: []string{"12345678"}, want: "12345678"},
		{name: "wraps", capacity: 8, writes: []string{"abcdef", "ghijk"}, want: "defghijk", wantTruncated: true},
		{name: "single write over capacity", capacity: 4, writes: []string{"abcdefghij"}, want: "ghij", wantTruncated: true},
		{name: "three chunks", capacity: 10, writes: []string{"AAAA", "BBBB", "CCCC"}, want: "AABBBBCCCC", wantTruncated: true},
		{name: "empty writes", capacity: 8, writes: []string{"", "ab", ""}, want: "ab"},
	}
	for _, tc := range tests {
		b := newTailBuffer(tc.capacity)
		for _, w := range tc.writes {
			n, err := b.Write([]byte(w))
			if err != nil || n != len(w) {
				t.Fatalf("%s: Write(%q) = %d, %v", tc.name, w, n, err)
			}
		}
		if got := b.String(); got != tc.want {
			t.Fatalf("%s: String() = %q, want %q", tc.name, got, tc.want)
		}
		if got := b.Truncated(); got != tc.wantTruncated {
			t.Fatalf("%s: Truncated() = %v, want %v", tc.name, got, tc.wantTruncated)
		}
	}
}

func TestTailBufferOneByteAtATime(t *testing.T) {
	t.Parallel()

	b := newTailBuffer(6)
	for _, c := range []byte("abcdefghij") {
		b.Write([]byte{c})
	}
	if got := b.String(); got != "efghij" {
		t.Fatalf("String() = %q, want efghij", got)
	}
}

func TestTailBufferConcurrentUse(t *testing.T) {
	t.Parallel()

	b := newTailBuffer(1024)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Write([]byte("line of stderr\n"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = b.String()
		}
	}()
	wg.Wait()

	got := b.String()
	if len(got) != 1024 {
		t.Fatalf("len = %d, want 1024", len(got))
	}
	if !strings.HasSuffix(got, "line of stderr\n") {
		t.Fatalf("tail = %q", got[len(got)-20:])
	}
}
