package input

import "testing"

func b1(v byte) []byte { return []byte{v} }

func TestAddAdvancesLastReceived(t *testing.T) {
	buf := NewBuffer(8, 1, 0)
	for f := Frame(0); f < 5; f++ {
		if err := buf.Add(f, b1(byte(f))); err != nil {
			t.Fatalf("Add(%d): %v", f, err)
		}
		if buf.LastReceived() != f {
			t.Fatalf("LastReceived() = %d, want %d", buf.LastReceived(), f)
		}
	}
}

func TestAddRejectsOutOfOrder(t *testing.T) {
	buf := NewBuffer(8, 1, 0)
	if err := buf.Add(0, b1(1)); err != nil {
		t.Fatal(err)
	}
	if err := buf.Add(2, b1(1)); err == nil {
		t.Fatal("expected error for non-contiguous frame")
	}
	if buf.LastReceived() != 0 {
		t.Fatalf("LastReceived() changed on rejected add: %d", buf.LastReceived())
	}
}

func TestGetWithoutPredictionReturnsNull(t *testing.T) {
	buf := NewBuffer(8, 1, 4)
	got := buf.Get(3, false)
	if !got.IsNull() {
		t.Fatalf("expected null record, got %+v", got)
	}
}

func TestPredictionFromEmptyBufferIsZero(t *testing.T) {
	buf := NewBuffer(8, 2, 4)
	got := buf.Get(0, true)
	if got.IsNull() {
		t.Fatal("expected a prediction, got null")
	}
	for _, bb := range got.Bytes {
		if bb != 0 {
			t.Fatalf("expected zero-byte prediction, got %v", got.Bytes)
		}
	}
}

func TestPredictionRepeatsLatestKnownInput(t *testing.T) {
	buf := NewBuffer(8, 1, 4)
	if err := buf.Add(0, b1(7)); err != nil {
		t.Fatal(err)
	}
	got := buf.Get(1, true)
	if got.IsNull() || got.Bytes[0] != 7 {
		t.Fatalf("got %+v, want prediction of 7", got)
	}
}

func TestPredictionWindowExhausted(t *testing.T) {
	buf := NewBuffer(32, 1, 2)
	if err := buf.Add(0, b1(1)); err != nil {
		t.Fatal(err)
	}
	if got := buf.Get(1, true); got.IsNull() {
		t.Fatal("expected first prediction to succeed")
	}
	if got := buf.Get(2, true); got.IsNull() {
		t.Fatal("expected second prediction to succeed")
	}
	if got := buf.Get(3, true); !got.IsNull() {
		t.Fatal("expected window-exhausted null prediction")
	}
}

func TestMispredictionDetectedAndRepeatedAcrossWindow(t *testing.T) {
	buf := NewBuffer(32, 1, 4)
	if err := buf.Add(0, b1(1)); err != nil {
		t.Fatal(err)
	}
	// Predict frames 1..3 (repeats 1).
	buf.Get(1, true)
	buf.Get(2, true)
	buf.Get(3, true)

	// Real input at frame 1 differs from the prediction.
	if err := buf.Add(1, b1(9)); err != nil {
		t.Fatal(err)
	}
	if f := buf.GetIncorrectPredictionFrame(); f != 1 {
		t.Fatalf("GetIncorrectPredictionFrame() = %d, want 1", f)
	}
	// Window 1..3 should now read back as 9 (repeated corrected value).
	rec, ok := buf.read(2)
	if !ok || rec.Bytes[0] != 9 {
		t.Fatalf("frame 2 after misprediction repeat = %+v", rec)
	}
}

func TestCorrectPredictionProducesNoMisprediction(t *testing.T) {
	buf := NewBuffer(32, 1, 4)
	if err := buf.Add(0, b1(1)); err != nil {
		t.Fatal(err)
	}
	buf.Get(1, true) // predicts repeat of 1
	if err := buf.Add(1, b1(1)); err != nil {
		t.Fatal(err)
	}
	if f := buf.GetIncorrectPredictionFrame(); f != NullFrame {
		t.Fatalf("expected no misprediction, got frame %d", f)
	}
}

func TestClearIncorrectUpTo(t *testing.T) {
	buf := NewBuffer(32, 1, 1)
	buf.incorrectPredicted = []Frame{2, 5, 9}
	buf.ClearIncorrectUpTo(5)
	if f := buf.GetIncorrectPredictionFrame(); f != 9 {
		t.Fatalf("GetIncorrectPredictionFrame() = %d, want 9", f)
	}
}

func TestAddLocalAppliesDelayAndZeroFills(t *testing.T) {
	buf := NewBuffer(32, 1, 0)
	buf.inputDelay = 2
	if err := buf.AddLocal(0, b1(5)); err != nil {
		t.Fatal(err)
	}
	// frames 0,1 should be zero stubs, frame 2 should carry the real input.
	if rec, ok := buf.read(0); !ok || rec.Bytes[0] != 0 {
		t.Fatalf("frame 0 stub = %+v", rec)
	}
	if rec, ok := buf.read(1); !ok || rec.Bytes[0] != 0 {
		t.Fatalf("frame 1 stub = %+v", rec)
	}
	if rec, ok := buf.read(2); !ok || rec.Bytes[0] != 5 {
		t.Fatalf("frame 2 = %+v, want 5", rec)
	}
}

func TestSetDelayIncreasePadsForward(t *testing.T) {
	buf := NewBuffer(32, 1, 0)
	if err := buf.Add(0, b1(3)); err != nil {
		t.Fatal(err)
	}
	buf.SetDelay(2)
	if buf.LastReceived() != 2 {
		t.Fatalf("LastReceived() = %d, want 2 after pad", buf.LastReceived())
	}
}

func TestRingIndexHandlesNegativeFrames(t *testing.T) {
	buf := NewBuffer(8, 1, 0)
	idx := buf.index(Frame(-1))
	if idx < 0 || idx >= 8 {
		t.Fatalf("index(-1) = %d out of range", idx)
	}
}
