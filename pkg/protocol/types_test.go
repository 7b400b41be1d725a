package protocol

import (
	"bytes"
	"testing"
)

func TestRequestUsesJSONFieldNames(t *testing.T) {
	payload, err := Marshal(SignRequest{Method: "GET", Path: "/v1/items", Timestamp: "1700000000", Nonce: "abc123"})
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}

	var fields map[string]string
	if err := Unmarshal(payload, &fields); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}

	for _, key := range []string{"method", "path", "timestamp", "nonce"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Field %q missing from encoded payload: %v", key, fields)
		}
	}
}

func TestSignRequestKeepsInvalidUTF8(t *testing.T) {
	in := SignRequest{Method: "PUT", Path: "\xff\xfe", Timestamp: "0", Nonce: "n\x00tail"}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(in); err != nil {
		t.Fatalf("Failed to encode request: %v", err)
	}

	var out SignRequest
	if err := NewDecoder(&buf).Decode(&out); err != nil {
		t.Fatalf("Failed to decode request with invalid UTF-8: %v", err)
	}
	if out != in {
		t.Errorf("Decoded request = %q, want %q", out, in)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	req := Request{ID: "7", Type: MessageTypeSign}
	first, err := Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("Encoding differs between runs: %x vs %x", first, second)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	ok, err := Success("1", "WASM_SIG_1")
	if err != nil {
		t.Fatalf("Failed to build response: %v", err)
	}
	if err := enc.Encode(ok); err != nil {
		t.Fatal(err)
	}
	if err := enc.Encode(Failure("2", ErrorKindUnknownType, "Unknown message type")); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)

	var first Response
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("Failed to decode first response: %v", err)
	}
	var sig string
	if err := Unmarshal(first.Result, &sig); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if !first.OK || sig != "WASM_SIG_1" {
		t.Errorf("First response = %+v (result %q), want OK with WASM_SIG_1", first, sig)
	}

	var second Response
	if err := dec.Decode(&second); err != nil {
		t.Fatalf("Failed to decode second response: %v", err)
	}
	if second.OK || second.Kind != ErrorKindUnknownType || second.Error != "Unknown message type" {
		t.Errorf("Second response = %+v", second)
	}
}
