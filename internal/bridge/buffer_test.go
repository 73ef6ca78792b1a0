package bridge

import "testing"

// ─── TestFrameBuffer ─────────────────────────────────────────────────────────

func TestFrameBuffer_KeepsArrivalOrder(t *testing.T) {
	t.Parallel()

	var b frameBuffer
	b.push([]byte{1})
	b.push([]byte{2})
	b.push([]byte{3})

	frames := b.drain()
	if len(frames) != 3 {
		t.Fatalf("drained %d frames; want 3", len(frames))
	}
	for i, f := range frames {
		if f[0] != byte(i+1) {
			t.Errorf("frame %d = %v; want %d", i, f, i+1)
		}
	}
	if b.len() != 0 {
		t.Errorf("buffer length after drain = %d; want 0", b.len())
	}
}

func TestFrameBuffer_DropsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	var b frameBuffer
	for i := 0; i < maxBufferedFrames; i++ {
		if evicted := b.push([]byte{byte(i)}); evicted {
			t.Fatalf("push %d evicted below capacity", i)
		}
	}
	if b.len() != maxBufferedFrames {
		t.Fatalf("buffer length = %d; want %d", b.len(), maxBufferedFrames)
	}

	// The next push must evict exactly the oldest frame.
	if evicted := b.push([]byte{0xFF}); !evicted {
		t.Fatal("push at capacity did not evict")
	}
	if b.len() != maxBufferedFrames {
		t.Fatalf("buffer length after overflow = %d; want %d", b.len(), maxBufferedFrames)
	}

	frames := b.drain()
	if frames[0][0] != 1 {
		t.Errorf("oldest frame after overflow = %d; want 1 (frame 0 dropped)", frames[0][0])
	}
	if last := frames[len(frames)-1]; last[0] != 0xFF {
		t.Errorf("newest frame = %v; want 0xFF", last)
	}
}
