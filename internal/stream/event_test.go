package stream

import (
	"testing"
)

func TestDecodeValidShapes(t *testing.T) {
	cases := []struct {
		payload string
		want    Event
	}{
		{`{"type":"chunk","data":"Hello"}`, Event{Type: EventChunk, Data: "Hello"}},
		{`{"type":"done"}`, Event{Type: EventDone}},
		{`{"type":"error","data":"generation failed"}`, Event{Type: EventError, Data: "generation failed"}},
	}
	for _, c := range cases {
		got, err := Decode([]byte(c.payload))
		if err != nil {
			t.Fatalf("Decode(%s): %v", c.payload, err)
		}
		if got != c.want {
			t.Fatalf("Decode(%s) = %+v, want %+v", c.payload, got, c.want)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"unknown"}`,
		`{"type":"chunk"}`,             // chunk without data
		`{"type":"error"}`,             // error without data
		`{"type":"done","data":"x"}`,   // done must not carry data
		`{}`,
	}
	for _, payload := range cases {
		if _, err := Decode([]byte(payload)); err == nil {
			t.Fatalf("Decode(%s) should fail", payload)
		}
	}
}

func TestEncodeDecodeDone(t *testing.T) {
	payload, err := Done().Encode()
	if err != nil {
		t.Fatal(err)
	}
	ev, err := Decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Terminal() || ev.Type != EventDone {
		t.Fatalf("expected terminal done event, got %+v", ev)
	}
}
