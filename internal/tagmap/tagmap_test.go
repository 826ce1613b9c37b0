package tagmap

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sampleDoc() map[string]any {
	return map[string]any{
		"ma": map[string]any{
			"u": map[string]any{
				"folder_id":   "F1",
				"notion_tags": []any{map[string]any{"type": "tag", "value": "math-hw"}},
			},
			"g": map[string]any{
				"folder_id":   "F2",
				"notion_tags": []any{map[string]any{"type": "tag", "value": "math-notes"}},
			},
			"fallback": map[string]any{"folder_id": "F0", "notion_tags": []any{}},
		},
		"ph": map[string]any{
			"lab": map[string]any{
				"x": map[string]any{"folder_id": "P1"},
				"fallback": map[string]any{
					"folder_id":   "P0",
					"notion_tags": []any{map[string]any{"kind": "tag", "value": "lab"}},
				},
			},
			"fallback": map[string]any{"folder_id": "PF"},
		},
		"fallback": map[string]any{"folder_id": "F9", "notion_tags": []any{}},
	}
}

func mustParse(t *testing.T) *Mapping {
	t.Helper()
	mapping, err := Parse(sampleDoc())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return mapping
}

func TestResolveLeaf(t *testing.T) {
	mapping := mustParse(t)
	leaf, ok := mapping.Resolve("ma.u.")
	if !ok {
		t.Fatalf("expected ma.u. to resolve")
	}
	if leaf.Location != "F1" {
		t.Fatalf("expected F1, got %s", leaf.Location)
	}
	if !reflect.DeepEqual(leaf.Labels, []LabelSpec{{Kind: "tag", Value: "math-hw"}}) {
		t.Fatalf("unexpected labels: %+v", leaf.Labels)
	}
	again, _ := mapping.Resolve("ma.u.")
	if again != leaf {
		t.Fatalf("expected resolving twice to return the identical leaf")
	}
}

func TestResolveInteriorAtEndReturnsItsFallback(t *testing.T) {
	mapping := mustParse(t)
	cases := map[string]string{
		"ma":     "F0",
		"ma.":    "F0",
		"ph.lab": "P0",
		"ph":     "PF",
	}
	for tag, want := range cases {
		leaf, ok := mapping.Resolve(tag)
		if !ok {
			t.Fatalf("expected %q to resolve", tag)
		}
		if leaf.Location != want {
			t.Fatalf("tag %q: expected %s, got %s", tag, want, leaf.Location)
		}
	}
}

func TestResolveMisses(t *testing.T) {
	mapping := mustParse(t)
	for _, tag := range []string{"", ".", "zz", "ma.zz", "ma.u.extra", "ph.lab.x.y"} {
		if leaf, ok := mapping.Resolve(tag); ok {
			t.Fatalf("expected %q to miss, got %+v", tag, leaf)
		}
	}
}

func TestResolveExplicitFallbackSegment(t *testing.T) {
	mapping := mustParse(t)
	leaf, ok := mapping.Resolve("ma.fallback")
	if !ok || leaf.Location != "F0" {
		t.Fatalf("expected explicit fallback segment to resolve to F0, got %+v", leaf)
	}
}

func TestParseRejectsMissingFallback(t *testing.T) {
	doc := sampleDoc()
	delete(doc["ma"].(map[string]any), "fallback")
	_, err := Parse(doc)
	if !errors.Is(err, ErrMissingFallback) {
		t.Fatalf("expected ErrMissingFallback, got %v", err)
	}

	_, err = Parse(map[string]any{"a": map[string]any{"folder_id": "A"}})
	if !errors.Is(err, ErrMissingFallback) {
		t.Fatalf("expected ErrMissingFallback at root, got %v", err)
	}
}

func TestParseRejectsDottedSegment(t *testing.T) {
	doc := sampleDoc()
	doc["a.b"] = map[string]any{"folder_id": "AB"}
	if _, err := Parse(doc); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("expected ErrInvalidNode, got %v", err)
	}
}

func TestLeavesCollectsNestedLocations(t *testing.T) {
	mapping := mustParse(t)
	leaves := mapping.Leaves()
	got := map[string][]LabelSpec{}
	for _, entry := range leaves {
		got[entry.Location] = entry.Labels
	}
	for _, location := range []string{"F0", "F1", "F2", "P0", "P1", "PF", "F9"} {
		if _, ok := got[location]; !ok {
			t.Fatalf("expected location %s in reverse index, got %+v", location, leaves)
		}
	}
	if len(leaves) != 7 {
		t.Fatalf("expected 7 locations, got %d", len(leaves))
	}
	if leaves[len(leaves)-1].Location != "F9" {
		t.Fatalf("expected root fallback to be visited last, got %s", leaves[len(leaves)-1].Location)
	}
	if !reflect.DeepEqual(got["P0"], []LabelSpec{{Kind: "tag", Value: "lab"}}) {
		t.Fatalf("unexpected labels for P0: %+v", got["P0"])
	}
}

func TestLoadFileFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"tags.json": `{"ma":{"u":{"folder_id":"F1","notion_tags":[{"type":"tag","value":"math-hw"}]},"fallback":{"folder_id":"F0","notion_tags":[]}},"fallback":{"folder_id":"F9","notion_tags":[]}}`,
		"tags.json5": `{
  // math
  ma: {
    u: {folder_id: 'F1', notion_tags: [{type: 'tag', value: 'math-hw'},],},
    fallback: {folder_id: "F0", notion_tags: []},
  },
  /* everything else */
  fallback: {folder_id: "F9", notion_tags: []},
}`,
		"commented.json": `{
  "ma": {
    "u": {"folder_id": "F1", "notion_tags": [{"type": "tag", "value": "math-hw"}]}, // homework
    "fallback": {"folder_id": "F0", "notion_tags": []},
  },
  "fallback": {"folder_id": "F9", "notion_tags": []},
}`,
		"tags.yaml": `
ma:
  u:
    folder_id: F1
    notion_tags:
      - type: tag
        value: math-hw
  fallback:
    folder_id: F0
fallback:
  folder_id: F9
`,
		"tags.toml": `
[ma.u]
folder_id = "F1"
[[ma.u.notion_tags]]
type = "tag"
value = "math-hw"

[ma.fallback]
folder_id = "F0"

[fallback]
folder_id = "F9"
`,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		mapping, err := LoadFile(path)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		leaf, ok := mapping.Resolve("ma.u.")
		if !ok || leaf.Location != "F1" {
			t.Fatalf("%s: expected ma.u. -> F1, got %+v", name, leaf)
		}
		if !reflect.DeepEqual(leaf.Labels, []LabelSpec{{Kind: "tag", Value: "math-hw"}}) {
			t.Fatalf("%s: unexpected labels %+v", name, leaf.Labels)
		}
		if mapping.Fallback().Location != "F9" {
			t.Fatalf("%s: expected top-level fallback F9", name)
		}
	}
}

func TestLoadFileRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.ini")
	if err := os.WriteFile(path, []byte("x=1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
