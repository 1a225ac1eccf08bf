package wire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Sequence: 42, Timestamp: 960 * 42, SSRC: 0xdeadbeef}

	buf, err := h.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(buf) != HeaderSize {
		t.Fatalf("expected %d bytes, got %d", HeaderSize, len(buf))
	}
	if buf[0] != 0x80 {
		t.Errorf("version/flags byte = %#x, want 0x80", buf[0])
	}
	if buf[1] != payloadType {
		t.Errorf("payload-type byte = %#x, want %#x", buf[1], payloadType)
	}

	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got != h {
		t.Errorf("ParseHeader(Marshal(h)) = %+v, want %+v", got, h)
	}
}

func TestParseHeaderShort(t *testing.T) {
	if _, err := ParseHeader([]byte{0x80, 0x78}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestSeqDiff(t *testing.T) {
	cases := []struct {
		a, b uint16
		want int32
	}{
		{10, 9, 1},
		{9, 10, -1},
		{0, 65535, 1},
		{65535, 0, -1},
		{100, 100, 0},
	}
	for _, c := range cases {
		if got := SeqDiff(c.a, c.b); got != c.want {
			t.Errorf("SeqDiff(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
