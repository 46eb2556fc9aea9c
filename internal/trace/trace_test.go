package trace

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestCanonicalJournal_ByteForByte(t *testing.T) {
	j1 := Journal{Events: []Event{
		{Kind: EventAssetImported, Key: "assets:b.png", Importer: "copy@1", Outputs: []string{"assets/b.png", "assets/b.idx"}},
		{Kind: EventAssetStale, Key: "assets:a.png", Reason: "new"},
		{Kind: EventAssetFailed, Key: "assets:c.png", Reason: "import"},
	}}
	j2 := Journal{Events: []Event{
		{Kind: EventAssetFailed, Key: "assets:c.png", Reason: "import"},
		{Kind: EventAssetImported, Key: "assets:b.png", Importer: "copy@1", Outputs: []string{"assets/b.idx", "assets/b.png"}},
		{Kind: EventAssetStale, Key: "assets:a.png", Reason: "new"},
	}}

	b1, err := j1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := j2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", b1, b2)
	}
}

func TestCanonicalJournal_Encoding(t *testing.T) {
	j := Journal{Events: []Event{
		{Kind: EventAssetImported, Key: "assets:a.png", Importer: "copy@1", Outputs: []string{"assets/a.png"}},
		{Kind: EventAssetStale, Key: "assets:a.png", Reason: "source"},
	}}
	b, err := j.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"events":[{"kind":"AssetStale","key":"assets:a.png","reason":"source"},{"kind":"AssetImported","key":"assets:a.png","importer":"copy@1","outputs":["assets/a.png"]}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, b)
	}
}

func TestCanonicalJSON_DoesNotMutateInput(t *testing.T) {
	j := Journal{Events: []Event{
		{Kind: EventAssetImported, Key: "b", Outputs: []string{"z", "a"}},
		{Kind: EventAssetImported, Key: "a"},
	}}
	if _, err := j.CanonicalJSON(); err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	if j.Events[0].Key != "b" || j.Events[0].Outputs[0] != "z" {
		t.Fatalf("input journal was mutated: %+v", j.Events)
	}
}

func TestJournal_ValidateRejectsMissingKey(t *testing.T) {
	j := Journal{Events: []Event{{Kind: EventAssetOrphaned}}}
	if _, err := j.CanonicalJSON(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRecorder_ConcurrentRecordIsOrderIndependent(t *testing.T) {
	keys := []string{"assets:p1.png", "assets:p2.png", "assets:p3.png", "assets:p4.png"}

	hashFor := func(order []int) string {
		r := NewRecorder()
		var wg sync.WaitGroup
		for _, i := range order {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				r.Record(Event{Kind: EventAssetImported, Key: k, Importer: "copy@1"})
			}(keys[i])
		}
		wg.Wait()
		h, err := r.Journal().Hash()
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		return h
	}

	if a, b := hashFor([]int{0, 1, 2, 3}), hashFor([]int{3, 1, 0, 2}); a != b {
		t.Fatalf("journal hash depends on record order: %s vs %s", a, b)
	}
}

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	SafeRecord(panicSink{}, Event{Kind: EventAssetStale, Key: "k"})
	SafeRecord(nil, Event{Kind: EventAssetStale, Key: "k"})
}

type panicSink struct{}

func (panicSink) Record(Event) { panic("boom") }

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "journal.json")
	j := Journal{Events: []Event{{Kind: EventAssetOrphaned, Key: "assets:x.png"}}}
	if err := WriteFile(path, j); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want, _ := j.CanonicalJSON()
	if string(data) != string(want)+"\n" {
		t.Fatalf("unexpected file content: %s", data)
	}
}

func TestComputeHash_Empty(t *testing.T) {
	if ComputeHash(nil) != "" {
		t.Fatal("expected empty hash for empty encoding")
	}
}

func TestSetup_WritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.jsonl")
	shutdown, err := Setup(context.Background(), path, "test", nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "cycle")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	otel.SetTracerProvider(noop.NewTracerProvider())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Contains(data, []byte(`"Name":"cycle"`)) {
		t.Fatalf("span not exported: %s", data)
	}
}

func TestSetup_DisabledWithoutPath(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "test", nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
