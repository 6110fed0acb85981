package protocol

import (
	"errors"
	"testing"
)

func TestDecodeActionRequest_Errors(t *testing.T) {
	if _, err := DecodeActionRequest([]byte{1, 0}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
	if _, err := DecodeActionRequest([]byte{9, 0, 0, 0}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestEncodeActionSchedule_TickOverflow(t *testing.T) {
	_, err := EncodeActionSchedule(ScheduledAction{DueTick: 1 << 33, Action: ActionPause})
	if !errors.Is(err, ErrTickOverflow) {
		t.Fatalf("expected ErrTickOverflow, got %v", err)
	}
}

func TestDecodeWorldData_Truncated(t *testing.T) {
	full := EncodeWorldData([]byte("world"), []byte("maps"))
	for n := 0; n < len(full); n++ {
		if _, _, err := DecodeWorldData(full[:n]); !errors.Is(err, ErrShortPayload) {
			t.Fatalf("prefix %d: expected ErrShortPayload, got %v", n, err)
		}
	}
}
