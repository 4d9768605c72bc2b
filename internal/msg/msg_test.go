package msg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestDecodeUnknownType(t *testing.T) {
	t.Parallel()

	_, err := Decode("NoSuchMessage", []byte(`{}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeRoutesByName(t *testing.T) {
	t.Parallel()

	m, err := Decode("DemoParseFailure", []byte(`{"origin":"VALVE","identifier":"123","reason":"corrupt header"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failure, ok := m.(*DemoParseFailure)
	if !ok {
		t.Fatalf("expected *DemoParseFailure, got %T", m)
	}
	if failure.Reason != "corrupt header" {
		t.Fatalf("unexpected reason %q", failure.Reason)
	}
	if got := failure.CorrelationID(); got != "VALVE/123" {
		t.Fatalf("unexpected correlation id %q", got)
	}
}

func TestFrameRoundtrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	frame, err := EncodeFrame(&RecorderFailure{JobID: id, Reason: "engine crashed"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	failure, ok := decoded.(*RecorderFailure)
	if !ok {
		t.Fatalf("expected *RecorderFailure, got %T", decoded)
	}
	if failure.JobID != id || failure.Reason != "engine crashed" {
		t.Fatalf("unexpected frame payload: %+v", failure)
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
	}{
		{name: "not an array", frame: `{"a":1}`},
		{name: "wrong arity", frame: `["RecorderSuccess"]`},
		{name: "non-string name", frame: `[1, {}]`},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := DecodeFrame([]byte(tc.frame)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestDomainReason(t *testing.T) {
	t.Parallel()

	domain := Domainf("no kills in round %d", 3)
	if !IsDomain(domain) {
		t.Fatal("expected domain error")
	}

	wrapped := fmt.Errorf("handling record: %w", domain)
	if !IsDomain(wrapped) {
		t.Fatal("expected wrapped domain error to be detected")
	}
	if got := DomainReason(wrapped); got != "no kills in round 3" {
		t.Fatalf("unexpected reason %q", got)
	}

	plain := errors.New("connection refused")
	if IsDomain(plain) {
		t.Fatal("plain error misclassified as domain")
	}
}
