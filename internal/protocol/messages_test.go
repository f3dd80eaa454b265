package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageSubscribe(t *testing.T) {
	raw := []byte(`{"type":"subscribe","payload":{"plan_id":"p1"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	sub, ok := msg.(Subscribe)
	if !ok {
		t.Fatalf("message type = %T, want Subscribe", msg)
	}
	if sub.Type != TypeSubscribe || sub.Payload.PlanID != "p1" {
		t.Fatalf("unexpected subscribe: %+v", sub)
	}
}

func TestParseClientMessageUnsubscribe(t *testing.T) {
	raw := []byte(`{"type":"unsubscribe","payload":{"plan_id":"p1"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	sub, ok := msg.(Subscribe)
	if !ok {
		t.Fatalf("message type = %T, want Subscribe", msg)
	}
	if sub.Type != TypeUnsubscribe {
		t.Fatalf("Type = %q, want %q", sub.Type, TypeUnsubscribe)
	}
}

func TestParseClientMessageSubscribeRequiresPlanID(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"subscribe","payload":{}}`)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want plan_id error")
	}
}

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("message type = %T, want Ping", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want envelope error")
	}
}
