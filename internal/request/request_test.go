// Copyright 2025 James Ross
package request

import (
	"testing"
	"time"
)

func TestMarshalUnmarshal(t *testing.T) {
	r := Request{
		ID:         "r1",
		Backend:    "ocr",
		TaskKind:   "ocr",
		Client:     "c1",
		Priority:   PriorityHigh,
		Status:     StatusQueued,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TimeoutS:   300,
		MaxRetries: 3,
	}
	s, err := r.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	r2, err := UnmarshalRequest(s)
	if err != nil {
		t.Fatal(err)
	}
	if r2.ID != r.ID || r2.Backend != r.Backend || r2.Priority != r.Priority {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", r, r2)
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityHigh.Rank() >= PriorityNormal.Rank() {
		t.Fatal("HIGH must rank before NORMAL")
	}
	if PriorityNormal.Rank() >= PriorityLow.Rank() {
		t.Fatal("NORMAL must rank before LOW")
	}
	if Priority("BOGUS").Valid() {
		t.Fatal("unknown priority must be invalid")
	}
}

func TestCloneIndependence(t *testing.T) {
	r := Request{ID: "r1", Payload: []byte("abc")}
	c := r.Clone()
	c.Payload[0] = 'z'
	if r.Payload[0] == 'z' {
		t.Fatal("clone must not share backing array with original")
	}
}
