package bridge

// maxBufferedFrames bounds the pre-start audio buffer: 100 frames of 20 ms
// each, about two seconds of audio held while the agent link is opened.
const maxBufferedFrames = 100

// frameBuffer is a bounded FIFO of PCM frames. When full, pushing drops the
// oldest frame so the buffered audio stays closest to real time. It is owned
// by the inbound forwarder alone and needs no locking.
type frameBuffer struct {
	frames  [][]byte
	dropped int
}

// push appends a frame, evicting the oldest when the buffer is full.
// It reports whether an eviction happened.
func (b *frameBuffer) push(frame []byte) bool {
	evicted := false
	if len(b.frames) >= maxBufferedFrames {
		copy(b.frames, b.frames[1:])
		b.frames = b.frames[:len(b.frames)-1]
		b.dropped++
		evicted = true
	}
	b.frames = append(b.frames, frame)
	return evicted
}

// drain returns the buffered frames in arrival order and empties the buffer.
func (b *frameBuffer) drain() [][]byte {
	frames := b.frames
	b.frames = nil
	return frames
}

// len returns the number of buffered frames.
func (b *frameBuffer) len() int { return len(b.frames) }
