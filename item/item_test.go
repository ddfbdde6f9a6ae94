package item

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

type testFormat struct {
	name string
	body any
}

func (f testFormat) Name() string {
	return f.name
}

func (f testFormat) Export() any {
	return f.body
}

func TestExportInline(t *testing.T) {
	it := New(
		[]Format{testFormat{name: "http-stream", body: map[string]any{"content": "hello"}}},
		WithID("1"),
		WithPrevID("0"),
	)

	out, err := it.Export(false, false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	want := map[string]any{
		"id":          "1",
		"prev-id":     "0",
		"http-stream": map[string]any{"content": "hello"},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("export = %#v, want %#v", out, want)
	}
}

func TestExportFormatsField(t *testing.T) {
	it := New([]Format{
		testFormat{name: "json-object", body: map[string]any{"v": 1}},
		testFormat{name: "http-stream", body: map[string]any{"content": "x"}},
	})

	out, err := it.Export(true, false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	formats, ok := out["formats"].(map[string]any)
	if !ok {
		t.Fatalf("expected formats sub-mapping, got %#v", out["formats"])
	}
	if len(formats) != 2 {
		t.Errorf("expected 2 formats, got %d", len(formats))
	}
	if _, inlined := out["json-object"]; inlined {
		t.Error("formats must not be inlined when formatsField is set")
	}
}

func TestExportMeta(t *testing.T) {
	it := New(
		[]Format{testFormat{name: "f", body: map[string]any{}}},
		WithMeta(map[string]string{"user": "alice"}),
	)

	out, err := it.Export(false, false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	meta, ok := out["meta"].(map[string]any)
	if !ok {
		t.Fatalf("expected meta mapping, got %#v", out["meta"])
	}
	if meta["user"] != "alice" {
		t.Errorf("meta.user = %v, want alice", meta["user"])
	}
}

func TestExportOmitsUnsetFields(t *testing.T) {
	it := New([]Format{testFormat{name: "f", body: map[string]any{}}})

	out, err := it.Export(false, false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	for _, key := range []string{"id", "prev-id", "meta"} {
		if _, present := out[key]; present {
			t.Errorf("unset field %q must be omitted", key)
		}
	}
}

func TestExportDuplicateFormat(t *testing.T) {
	it := New([]Format{
		testFormat{name: "json-object", body: map[string]any{"a": 1}},
		testFormat{name: "json-object", body: map[string]any{"b": 2}},
	})

	_, err := it.Export(false, false)
	if !errors.Is(err, ErrDuplicateFormat) {
		t.Errorf("expected ErrDuplicateFormat, got %v", err)
	}
}

func TestExportBinaryWalk(t *testing.T) {
	it := New([]Format{testFormat{
		name: "json-object",
		body: map[string]any{
			"text":   "hello",
			"nested": map[string]any{"inner": "v"},
			"list":   []any{"a", 1, map[string]any{"deep": "b"}},
			"count":  3,
		},
	}})

	out, err := it.Export(true, true)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	formats := out["formats"].(map[string]any)
	body := formats["json-object"].(map[string]any)

	if got, ok := body["text"].([]byte); !ok || !bytes.Equal(got, []byte("hello")) {
		t.Errorf("text = %#v, want []byte(hello)", body["text"])
	}
	nested := body["nested"].(map[string]any)
	if got, ok := nested["inner"].([]byte); !ok || !bytes.Equal(got, []byte("v")) {
		t.Errorf("nested.inner = %#v, want []byte(v)", nested["inner"])
	}
	list := body["list"].([]any)
	if got, ok := list[0].([]byte); !ok || !bytes.Equal(got, []byte("a")) {
		t.Errorf("list[0] = %#v, want []byte(a)", list[0])
	}
	if list[1] != 1 {
		t.Errorf("list[1] = %#v, want untouched 1", list[1])
	}
	deep := list[2].(map[string]any)
	if got, ok := deep["deep"].([]byte); !ok || !bytes.Equal(got, []byte("b")) {
		t.Errorf("deep value = %#v, want []byte(b)", deep["deep"])
	}
	if body["count"] != 3 {
		t.Errorf("count = %#v, want untouched 3", body["count"])
	}
}

func TestExportTextDecodesBytes(t *testing.T) {
	it := New([]Format{testFormat{
		name: "raw",
		body: map[string]any{"data": []byte("payload")},
	}})

	out, err := it.Export(false, false)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	body := out["raw"].(map[string]any)
	if body["data"] != "payload" {
		t.Errorf("data = %#v, want decoded string", body["data"])
	}
}
