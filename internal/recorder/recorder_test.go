package recorder

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	return New(NewDefaultConfig(t.TempDir()), zap.NewNop())
}

func TestStartStopLifecycle(t *testing.T) {
	r := newTestRecorder(t)

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := r.FilePath()
	if !strings.HasSuffix(first, ".webm") {
		t.Errorf("output file %q is not a .webm", first)
	}

	// Second Start is a no-op, not a new file.
	if err := r.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := r.FilePath(); got != first {
		t.Errorf("second Start switched file to %q", got)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stopping again is a no-op.
	if err := r.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newTestRecorder(t)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	r := newTestRecorder(t)
	if err := r.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestWriteBlockAfterStopIsDropped(t *testing.T) {
	r := newTestRecorder(t)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Must not panic or resurrect the writers.
	r.writeBlock(true, true, 0, []byte{0x01})
	r.writeBlock(false, false, 0, []byte{0x01})
}

// vp8Pkt builds a depacketizable VP8 payload: descriptor byte (0x10 marks
// start of partition) followed by frame bytes. The first frame byte's low
// bit is 0 for keyframes.
func vp8Pkt(start bool, frameBytes ...byte) []byte {
	desc := byte(0x00)
	if start {
		desc = 0x10
	}
	return append([]byte{desc}, frameBytes...)
}

func TestVP8FrameCarriesOwnTimestamp(t *testing.T) {
	asm := newVP8Assembler()

	// Keyframe at RTP ts 3000, split across two packets.
	if _, ok := asm.push(3000, vp8Pkt(true, 0x00, 0xAA)); ok {
		t.Fatal("frame completed before its end was seen")
	}
	if _, ok := asm.push(3000, vp8Pkt(false, 0xBB)); ok {
		t.Fatal("continuation packet completed a frame")
	}

	// The next start-of-partition (ts 6000) flushes the first frame, which
	// must be stamped with its own timestamp, not the flushing packet's.
	frame, ok := asm.push(6000, vp8Pkt(true, 0x01, 0xCC))
	if !ok {
		t.Fatal("start of next partition did not complete the frame")
	}
	if frame.tc != 3000/90 {
		t.Errorf("frame timecode = %d, want %d (own timestamp)", frame.tc, 3000/90)
	}
	if !frame.keyframe {
		t.Error("first frame not detected as keyframe")
	}
	if want := []byte{0x00, 0xAA, 0xBB}; len(frame.data) != len(want) ||
		frame.data[0] != want[0] || frame.data[1] != want[1] || frame.data[2] != want[2] {
		t.Errorf("frame data = %v, want %v", frame.data, want)
	}

	frame, ok = asm.push(9000, vp8Pkt(true, 0x00))
	if !ok {
		t.Fatal("third partition start did not complete the second frame")
	}
	if frame.tc != 6000/90 {
		t.Errorf("second frame timecode = %d, want %d", frame.tc, 6000/90)
	}
	if frame.keyframe {
		t.Error("delta frame detected as keyframe")
	}
}

func TestVP8AssemblerDropsLeadingPartialFrame(t *testing.T) {
	asm := newVP8Assembler()

	// A continuation with no preceding start belongs to a frame whose head
	// was never seen; it must not leak into the first complete frame.
	if _, ok := asm.push(3000, vp8Pkt(false, 0xEE)); ok {
		t.Fatal("orphan continuation produced a frame")
	}
	if _, ok := asm.push(6000, vp8Pkt(true, 0x00, 0x11)); ok {
		t.Fatal("first start-of-partition produced a frame")
	}
	frame, ok := asm.push(9000, vp8Pkt(true, 0x00))
	if !ok {
		t.Fatal("second start did not complete the first frame")
	}
	if len(frame.data) != 2 || frame.data[0] != 0x00 || frame.data[1] != 0x11 {
		t.Errorf("frame data = %v, want the started frame only", frame.data)
	}
}

func TestTimestampUnwrapper(t *testing.T) {
	tests := []struct {
		name string
		raws []int64
		want []int64
	}{
		{
			"monotonic",
			[]int64{0, 3000, 6000},
			[]int64{0, 3000, 6000},
		},
		{
			"overflow",
			[]int64{0xFFFFF000, 0x00000500},
			[]int64{0xFFFFF000, 0x100000500},
		},
		{
			"underflow after overflow",
			[]int64{0xFFFFF000, 0x00000500, 0xFFFFF800},
			[]int64{0xFFFFF000, 0x100000500, 0xFFFFF800},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newTimestampUnwrapper()
			for i, raw := range tt.raws {
				if got := u.unwrap(raw); got != tt.want[i] {
					t.Errorf("unwrap(%#x) = %#x, want %#x", raw, got, tt.want[i])
				}
			}
		})
	}
}
