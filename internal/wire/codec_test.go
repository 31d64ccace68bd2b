package wire

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"testing"
)

func roundTrip(t *testing.T, value any) any {
	t.Helper()
	raw, err := EncodeAttr(value)
	if err != nil {
		t.Fatalf("EncodeAttr(%#v): %v", value, err)
	}
	got, err := DecodeAttr(raw)
	if err != nil {
		t.Fatalf("DecodeAttr(%s): %v", raw, err)
	}
	return got
}

func TestEncodeDecodeAttrScalars(t *testing.T) {
	if got := roundTrip(t, "hello"); got != "hello" {
		t.Errorf("string round trip = %#v", got)
	}
	if got := roundTrip(t, true); got != true {
		t.Errorf("bool round trip = %#v", got)
	}
	if got := roundTrip(t, int64(42)); got != int64(42) {
		t.Errorf("int round trip = %#v, want int64(42)", got)
	}
	if got := roundTrip(t, float64(42)); got != float64(42) {
		t.Errorf("float round trip = %#v, want float64(42)", got)
	}
}

func TestEncodeDecodeAttrPreservesIntVsFloatType(t *testing.T) {
	i := roundTrip(t, int64(7))
	if _, ok := i.(int64); !ok {
		t.Errorf("int64(7) decoded as %T, want int64", i)
	}
	f := roundTrip(t, float64(7))
	if _, ok := f.(float64); !ok {
		t.Errorf("float64(7) decoded as %T, want float64", f)
	}
}

func TestEncodeDecodeByteArrayRoundTrip(t *testing.T) {
	data := make([]byte, 10000)
	rand.New(rand.NewSource(1)).Read(data)
	got := roundTrip(t, data)
	gotBytes, ok := got.([]byte)
	if !ok {
		t.Fatalf("byte array decoded as %T", got)
	}
	if !bytes.Equal(gotBytes, data) {
		t.Errorf("byte array round trip mismatch")
	}
}

func TestEncodeDecodeFloatArrayRoundTrip(t *testing.T) {
	values := []float32{0, 1.5, -2.25, 3.14159, 1e10}
	got := roundTrip(t, values)
	gotFloats, ok := got.([]float32)
	if !ok {
		t.Fatalf("float array decoded as %T", got)
	}
	if len(gotFloats) != len(values) {
		t.Fatalf("length mismatch: got %d want %d", len(gotFloats), len(values))
	}
	for i := range values {
		if gotFloats[i] != values[i] {
			t.Errorf("index %d: got %v want %v", i, gotFloats[i], values[i])
		}
	}
}

func TestDecodeFrameToleratesTrailingWhitespace(t *testing.T) {
	line := []byte("{\"action\":\"agents\",\"id\":\"x1\"}  \n")
	f, err := DecodeFrame(line)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Action != "agents" || f.ID != "x1" {
		t.Errorf("decoded frame = %+v", f)
	}
}

func TestDecodeFrameUnknownFieldsIgnored(t *testing.T) {
	line := []byte(`{"action":"subscribe","id":"x2","params":{"topic":"#weather"},"bogusField":123}`)
	f, err := DecodeFrame(line)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Action != "subscribe" {
		t.Errorf("action = %q", f.Action)
	}
}

func TestEncodeFrameMessageRoundTrip(t *testing.T) {
	raw, err := EncodeAttr(int64(42))
	if err != nil {
		t.Fatal(err)
	}
	msg := &Message{
		Clazz:        "org.x.Ping",
		ID:           "m1",
		Performative: "REQUEST",
		Sender:       "gw1",
		Recipient:    "peer",
		Data: map[string]json.RawMessage{
			"n": raw,
		},
	}
	f := &Frame{Action: "send", ID: "req1", Message: msg}
	line, err := EncodeFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeFrame(line)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Message == nil || decoded.Message.Clazz != "org.x.Ping" {
		t.Fatalf("decoded message = %+v", decoded.Message)
	}
	n, err := DecodeAttr(decoded.Message.Data["n"])
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(42) {
		t.Errorf("n = %#v, want int64(42)", n)
	}
}
