package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sift/pkg/plugin"
)

func newTestLoader() *Loader {
	return New(zerolog.New(nil).Level(zerolog.Disabled))
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write test file: %v", err)
		}
	}
}

func ids[T interface{ ID() string }](items []T) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID())
	}
	return out
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"10-rules.yaml": `
- name: free-money
  match: {contains: free money}
  type: spam
- name: broken
  type: spam
`,
		"20-urgent.star": `
def classify(entity, ctx):
    return None

bindings = {"urgent": None}

def handle(ctx):
    return None
`,
		"30-policy.rego":     spamPolicy,
		"nested/40-vip.json": `{"name":"vip","match":{"sender":"@example.com"},"type":"vip"}`,
		"50-empty.wasm":      string(emptyModule),
		"60-broken.star":     "def (",
		"README.md":          "# not a plugin",
		".hidden/70.yaml":    `{"name":"hidden","match":{"contains":"x"},"type":"x"}`,
	})

	reg, err := newTestLoader().LoadDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDirectory() error = %v", err)
	}
	defer reg.Close(context.Background())

	wantClassifiers := []string{"rule:free-money", "star:20-urgent", "rego:sift.spam", "rule:vip"}
	if diff := cmp.Diff(wantClassifiers, ids(reg.Classifiers())); diff != "" {
		t.Errorf("classifiers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"star:20-urgent"}, ids(reg.Actions())); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}

	c, ok := reg.Classifier("rule:free-money")
	if !ok {
		t.Fatal("expected rule:free-money to be registered")
	}
	out := classifyText(t, c, plugin.Entity{Content: "Get FREE MONEY now!"})
	if out == nil || out.Type != "spam" {
		t.Errorf("expected spam, got %+v", out)
	}
}

func TestLoadDirectory_Missing(t *testing.T) {
	_, err := newTestLoader().LoadDirectory(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestLoadFile_Unsupported(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"notes.txt": "x"})

	if _, err := newTestLoader().LoadFile(context.Background(), filepath.Join(dir, "notes.txt")); err == nil {
		t.Error("expected error for unsupported file")
	}
}

type stubClassifier struct{ id string }

func (s stubClassifier) ID() string { return s.id }
func (s stubClassifier) Classify(context.Context, plugin.Entity, plugin.ClassifyContext) (*plugin.ClassificationOutput, error) {
	return nil, nil
}

func TestRegistry_Add(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name string
		v    any
		want bool
	}{
		{name: "classifier", v: stubClassifier{id: "a"}, want: true},
		{name: "duplicate id", v: stubClassifier{id: "a"}, want: false},
		{name: "empty id", v: stubClassifier{}, want: false},
		{name: "not a plugin", v: "hello", want: false},
		{name: "nil", v: nil, want: false},
		{name: "second classifier", v: stubClassifier{id: "b"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reg.Add(tt.v); got != tt.want {
				t.Errorf("Add() = %v, want %v", got, tt.want)
			}
		})
	}

	if diff := cmp.Diff([]string{"a", "b"}, ids(reg.Classifiers())); diff != "" {
		t.Errorf("classifiers mismatch (-want +got):\n%s", diff)
	}

	cs, as := reg.Select([]string{"b"})
	if diff := cmp.Diff([]string{"b"}, ids(cs)); diff != "" {
		t.Errorf("selected classifiers mismatch (-want +got):\n%s", diff)
	}
	if len(as) != 0 {
		t.Errorf("expected no actions, got %d", len(as))
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"rules.yaml": `{name: a, match: {contains: a}, type: a}`,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []string, 16)
	err := newTestLoader().Watch(ctx, dir, 20*time.Millisecond, func(reg *Registry) {
		select {
		case reloaded <- ids(reg.Classifiers()):
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFiles(t, dir, map[string]string{
		"more.json": `{"name":"b","match":{"contains":"b"},"type":"b"}`,
	})

	select {
	case got := <-reloaded:
		if diff := cmp.Diff([]string{"rule:b", "rule:a"}, got); diff != "" {
			t.Errorf("reloaded classifiers mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
