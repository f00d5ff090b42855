package process

import "testing"

func TestRingBuffer_ReadReturnsOldestFirstWithinWindow(t *testing.T) {
	var b ringBuffer
	for i := 0; i < 5; i++ {
		b.Append(string(rune('a' + i)))
	}
	got := b.Read(3)
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	var b ringBuffer
	for i := 0; i < logBufferCap+10; i++ {
		b.Append(string(rune('a' + i%26)))
	}
	got := b.Read(0)
	if len(got) != logBufferCap {
		t.Fatalf("expected %d lines, got %d", logBufferCap, len(got))
	}
}

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	buf := &ringBuffer{}
	w := &lineWriter{buf: buf}
	_, _ = w.Write([]byte("hel"))
	_, _ = w.Write([]byte("lo\nworld\n"))
	got := buf.Read(0)
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("unexpected lines: %v", got)
	}
}
