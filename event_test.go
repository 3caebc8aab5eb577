package eventhub_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/terraskye/eventhub"
)

func TestNewDomainEvent_Defaults(t *testing.T) {
	ev := eventhub.NewDomainEvent("OrderPlaced", "o1", "Order", map[string]int{"total": 3})

	if ev.ID() == uuid.Nil {
		t.Error("expected a generated event id")
	}
	if ev.Version() != 0 {
		t.Errorf("expected version 0 before storing, got %d", ev.Version())
	}
	if ev.Timestamp().Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %s", ev.Timestamp().Location())
	}
	if len(ev.Metadata()) != 0 {
		t.Errorf("expected empty metadata, got %v", ev.Metadata())
	}
}

func TestNewDomainEvent_Options(t *testing.T) {
	id := uuid.New()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	ev := eventhub.NewDomainEvent("OrderPlaced", "o1", "Order", nil,
		eventhub.WithEventID(id),
		eventhub.WithTimestamp(at),
		eventhub.WithUserID("u1"),
		eventhub.WithCorrelationID(""),
		eventhub.WithMetadata(eventhub.Metadata{"source": "api"}),
	)

	if ev.ID() != id {
		t.Errorf("expected id %s, got %s", id, ev.ID())
	}
	if !ev.Timestamp().Equal(at) || ev.Timestamp().Location() != time.UTC {
		t.Errorf("expected %s in UTC, got %s", at, ev.Timestamp())
	}
	md := ev.Metadata()
	if md.UserID() != "u1" || md["source"] != "api" {
		t.Errorf("unexpected metadata %v", md)
	}
	if _, ok := md[eventhub.MetadataCorrelationID]; ok {
		t.Error("empty correlation id must not be stored")
	}
}

func TestDomainEvent_MetadataIsCopied(t *testing.T) {
	ev := eventhub.NewDomainEvent("OrderPlaced", "o1", "Order", nil, eventhub.WithUserID("u1"))
	md := ev.Metadata()
	md[eventhub.MetadataUserID] = "u2"

	if ev.Metadata().UserID() != "u1" {
		t.Error("changing the returned metadata must not change the event")
	}
}

func TestDomainEvent_With(t *testing.T) {
	ev := eventhub.NewDomainEvent("OrderPlaced", "o1", "Order", nil)
	traced := ev.With(eventhub.WithMetadataValue("traceparent", "00-abc"))

	if traced.ID() != ev.ID() {
		t.Error("With must keep the event identity")
	}
	if traced.Metadata()["traceparent"] != "00-abc" {
		t.Errorf("expected traceparent on the copy, got %v", traced.Metadata())
	}
	if _, ok := ev.Metadata()["traceparent"]; ok {
		t.Error("With must not change the original event")
	}
}

func TestCausedBy(t *testing.T) {
	root := eventhub.NewDomainEvent("OrderPlaced", "o1", "Order", nil)
	child := eventhub.NewDomainEvent("ItemAdded", "o1", "Order", nil, eventhub.CausedBy(root))
	grandchild := eventhub.NewDomainEvent("OrderShipped", "o1", "Order", nil, eventhub.CausedBy(child))

	if child.Metadata().CorrelationID() != root.ID().String() {
		t.Errorf("expected correlation to start at the root, got %q", child.Metadata().CorrelationID())
	}
	if grandchild.Metadata().CorrelationID() != root.ID().String() {
		t.Errorf("expected correlation to be inherited, got %q", grandchild.Metadata().CorrelationID())
	}
	if grandchild.Metadata().CausationID() != child.ID().String() {
		t.Errorf("expected causation to be the direct parent, got %q", grandchild.Metadata().CausationID())
	}
}

func TestWithContextMetadata(t *testing.T) {
	parent := eventhub.NewDomainEvent("OrderPlaced", "o1", "Order", nil, eventhub.WithUserID("u1"))
	ctx := eventhub.WithEvent(t.Context(), parent)

	ev := eventhub.NewDomainEvent("ItemAdded", "o1", "Order", nil, eventhub.WithContextMetadata(ctx))
	md := ev.Metadata()
	if md.CorrelationID() != parent.ID().String() || md.CausationID() != parent.ID().String() || md.UserID() != "u1" {
		t.Errorf("unexpected metadata %v", md)
	}

	bare := eventhub.NewDomainEvent("ItemAdded", "o1", "Order", nil, eventhub.WithContextMetadata(t.Context()))
	if len(bare.Metadata()) != 0 {
		t.Errorf("expected no metadata from an empty context, got %v", bare.Metadata())
	}
}

func TestNewRecord_RoundTrip(t *testing.T) {
	ev := eventhub.NewDomainEvent("OrderPlaced", "o1", "Order", map[string]any{"total": 42},
		eventhub.WithCorrelationID("c1"),
		eventhub.WithCausationID("p1"),
	)

	rec, err := eventhub.NewRecord(ev, 3)
	if err != nil {
		t.Fatalf("new record failed: %v", err)
	}
	if rec.EventVersion != 3 || rec.CorrelationID != "c1" || rec.CausationID != "p1" {
		t.Errorf("unexpected record %+v", rec)
	}
	if string(rec.Data) != `{"total":42}` {
		t.Errorf("unexpected payload %s", rec.Data)
	}

	back := rec.Event(json.RawMessage(rec.Data))
	if back.ID() != ev.ID() || back.Version() != 3 || back.Metadata().CorrelationID() != "c1" {
		t.Errorf("unexpected event %s %v", back, back.Metadata())
	}
}

func TestNewRecord_UnencodablePayload(t *testing.T) {
	ev := eventhub.NewDomainEvent("OrderPlaced", "o1", "Order", make(chan int))
	if _, err := eventhub.NewRecord(ev, 1); err == nil {
		t.Fatal("expected an encoding error")
	}
}

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"nil", nil, "null"},
		{"raw json", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"json bytes", []byte(`[1,2]`), `[1,2]`},
		{"plain bytes", []byte("hi"), `"aGk="`},
		{"struct", struct {
			A int `json:"a"`
		}{A: 1}, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eventhub.EncodePayload(tt.payload)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStreamState_Check(t *testing.T) {
	tests := []struct {
		state   eventhub.StreamState
		current int64
		want    bool
	}{
		{eventhub.Any{}, 0, true},
		{eventhub.Any{}, 7, true},
		{eventhub.NoStream{}, 0, true},
		{eventhub.NoStream{}, 1, false},
		{eventhub.StreamExists{}, 0, false},
		{eventhub.StreamExists{}, 2, true},
		{eventhub.Revision(2), 2, true},
		{eventhub.Revision(2), 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.Check(tt.current); got != tt.want {
				t.Errorf("%s.Check(%d) = %v, want %v", tt.state, tt.current, got, tt.want)
			}
		})
	}
}

func TestNewAppendOptions_DefaultsToAny(t *testing.T) {
	if _, ok := eventhub.NewAppendOptions().ExpectedVersion.(eventhub.Any); !ok {
		t.Error("expected Any when no version is given")
	}
	if _, ok := eventhub.NewAppendOptions(eventhub.WithExpectedVersion(nil)).ExpectedVersion.(eventhub.Any); !ok {
		t.Error("expected a nil state to fall back to Any")
	}
}
