package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flightline-ai/squawk/model"
)

func TestLogEmitter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(Event{
		Stream:   model.StreamSortie,
		StreamID: "srt-001",
		Type:     "sortie.assigned",
		Msg:      "handed to spc-4",
		Meta:     map[string]any{"specialist_id": "spc-4"},
	})
	out := buf.String()
	if !strings.Contains(out, "[sortie.assigned]") {
		t.Errorf("missing type tag in %q", out)
	}
	if !strings.Contains(out, "stream=sortie/srt-001") {
		t.Errorf("missing stream in %q", out)
	}
	if !strings.Contains(out, `"specialist_id":"spc-4"`) {
		t.Errorf("missing meta in %q", out)
	}
}

func TestLogEmitter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(Event{Stream: model.StreamCTK, StreamID: "lock-1", Type: "lock.expired", Msg: "reaped"})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != "lock.expired" || decoded["stream"] != "ctk" {
		t.Errorf("unexpected JSON payload: %v", decoded)
	}
}

func TestBufferedEmitter_HistoryAndClear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{Stream: model.StreamSortie, StreamID: "srt-1", Type: "sortie.assigned"})
	b.Emit(Event{Stream: model.StreamSortie, StreamID: "srt-1", Type: "sortie.progress"})
	b.Emit(Event{Stream: model.StreamSortie, StreamID: "srt-2", Type: "sortie.assigned"})

	if got := b.History("srt-1"); len(got) != 2 {
		t.Errorf("expected 2 events for srt-1, got %d", len(got))
	}
	if got := b.ByType("sortie.assigned"); len(got) != 2 {
		t.Errorf("expected 2 sortie.assigned events, got %d", len(got))
	}
	b.Clear("srt-1")
	if got := b.History("srt-1"); len(got) != 0 {
		t.Errorf("expected srt-1 cleared, got %d events", len(got))
	}
	b.Clear("")
	if got := b.History("srt-2"); len(got) != 0 {
		t.Errorf("expected everything cleared, got %d events", len(got))
	}
}

func TestBufferedEmitter_ConcurrentEmit(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(Event{Stream: model.StreamSystem, StreamID: "sys", Type: "tick"})
			}
		}()
	}
	wg.Wait()
	if got := len(b.History("sys")); got != 500 {
		t.Errorf("expected 500 events, got %d", got)
	}
}

func TestMultiEmitter_FansOut(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	m := NewMultiEmitter(a, b, NewNullEmitter())
	m.Emit(Event{Stream: model.StreamMission, StreamID: "msn-1", Type: "mission.updated"})

	if len(a.History("msn-1")) != 1 || len(b.History("msn-1")) != 1 {
		t.Error("expected both emitters to receive the event")
	}
}

func TestOTelEmitter_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	e := NewOTelEmitter(tp.Tracer("squawk-test"))

	e.Emit(Event{
		Stream:   model.StreamCheckpoint,
		StreamID: "chk-1",
		Type:     "checkpoint.created",
		Msg:      "progress checkpoint",
		Meta:     map[string]any{"mission_id": "msn-1", "duration_ms": int64(12)},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "checkpoint.created" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}
	found := false
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "squawk.stream_id" && attr.Value.AsString() == "chk-1" {
			found = true
		}
	}
	if !found {
		t.Error("missing squawk.stream_id attribute")
	}
}
