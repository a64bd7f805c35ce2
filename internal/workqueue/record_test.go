package workqueue

import "testing"

func TestRecordRoundtrip(t *testing.T) {
	h := []byte("h")
	p := []byte("payload")
	enc := EncodeMessage(7, h, p)
	dec, ok := DecodeMessage(enc)
	if !ok {
		t.Fatalf("decode failed")
	}
	if dec.Priority != 7 || string(dec.Header) != string(h) || string(dec.Payload) != string(p) {
		t.Fatalf("mismatch: %+v", dec)
	}
}

func TestRecordCRCFail(t *testing.T) {
	enc := EncodeMessage(1, []byte("a"), []byte("b"))
	enc[len(enc)-1] ^= 0xFF
	if _, ok := DecodeMessage(enc); ok {
		t.Fatalf("expected crc fail")
	}
	enc = EncodeMessage(1, []byte("a"), []byte("b"))
	enc[0] ^= 0x01
	if _, ok := DecodeMessage(enc); ok {
		t.Fatalf("expected crc to cover priority")
	}
}

func TestWithPriority(t *testing.T) {
	out, ok := withPriority(EncodeMessage(1, nil, []byte("x")), 99)
	if !ok {
		t.Fatalf("re-encode failed")
	}
	dec, _ := DecodeMessage(out)
	if dec.Priority != 99 || string(dec.Payload) != "x" {
		t.Fatalf("mismatch: %+v", dec)
	}
}
