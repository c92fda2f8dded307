package loader

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/sift/pkg/plugin"
)

type recordingLogger struct {
	plugin.NopLogger
	infos []string
}

func (r *recordingLogger) Info(msg string, _ map[string]any) { r.infos = append(r.infos, msg) }

func loadStar(t *testing.T, src string) []any {
	t.Helper()
	values, err := LoadStarlark(context.Background(), "plugins/spam.star", []byte(src), StarlarkOptions{})
	if err != nil {
		t.Fatalf("LoadStarlark() error = %v", err)
	}
	return values
}

func TestLoadStarlark_Classifier(t *testing.T) {
	values := loadStar(t, `
name = "Spam keywords"

def classify(entity, ctx):
    words = ctx.config.get("words", ["free money"])
    text = entity["content"].lower()
    for w in words:
        if w in text:
            ctx.log("matched", data = {"word": w})
            return {"type": "spam", "confidence": 0.9, "tags": ["keyword"]}
    return None
`)
	if len(values) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(values))
	}
	c, ok := plugin.AsClassifier(values[0])
	if !ok {
		t.Fatalf("expected a classifier, got %T", values[0])
	}
	if c.ID() != "star:spam" {
		t.Errorf("ID() = %q, want star:spam", c.ID())
	}
	if got := plugin.NameOf(c); got != "Spam keywords" {
		t.Errorf("NameOf() = %q", got)
	}
	if _, ok := plugin.AsAction(values[0]); ok {
		t.Error("classifier-only script should not produce an action")
	}

	logger := &recordingLogger{}
	out, err := c.Classify(context.Background(), plugin.Entity{Content: "FREE MONEY inside"}, plugin.ClassifyContext{Logger: logger})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	want := plugin.Classified("spam", 0.9)
	want.Tags = []string{"keyword"}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"matched"}, logger.infos); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}

	out, err = c.Classify(context.Background(), plugin.Entity{Content: "lunch?"}, plugin.ClassifyContext{
		Config: map[string]any{"words": []any{"invoice"}},
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if out != nil {
		t.Errorf("expected nil, got %+v", out)
	}
}

func TestLoadStarlark_Action(t *testing.T) {
	values := loadStar(t, `
id = "archiver"
bindings = {"spam": {"min_confidence": 0.8}, "newsletter": None, "promo": 0.5}

def handle(ctx):
    if ctx.classification["confidence"] < 0.9:
        return {"success": False, "error": "not sure enough"}
    return {"success": True, "data": {"archived": ctx.message["id"], "trace": ctx.trace_id}}
`)
	if len(values) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(values))
	}
	a, ok := plugin.AsAction(values[0])
	if !ok {
		t.Fatalf("expected an action, got %T", values[0])
	}
	if a.ID() != "star:archiver" {
		t.Errorf("ID() = %q, want star:archiver", a.ID())
	}

	wantBindings := plugin.Bindings{
		"spam":       plugin.MinConfidence(0.8),
		"newsletter": {},
		"promo":      plugin.MinConfidence(0.5),
	}
	if diff := cmp.Diff(wantBindings, a.Bindings()); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}

	res, err := a.Handle(context.Background(), plugin.ActionContext{
		Message:        plugin.Entity{ID: "m1"},
		Classification: *plugin.Classified("spam", 0.95),
		TraceID:        "corr-1",
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	want := plugin.ActionResult{
		PluginID: "star:archiver",
		Success:  true,
		Data:     map[string]any{"archived": "m1", "trace": "corr-1"},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	res, err = a.Handle(context.Background(), plugin.ActionContext{
		Classification: *plugin.Classified("spam", 0.85),
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Success || res.Error != "not sure enough" {
		t.Errorf("expected failure result, got %+v", res)
	}
}

func TestLoadStarlark_PluginsList(t *testing.T) {
	values := loadStar(t, `
def _urgent(entity, ctx):
    if "asap" in entity["content"].lower():
        return {"type": "urgent"}
    return None

def _notify(ctx):
    return None

plugins = [
    struct(id = "urgent", classify = _urgent),
    struct(id = "notify", bindings = {"urgent": None}, handle = _notify),
    struct(id = "both", classify = _urgent, bindings = {"urgent": None}, handle = _notify),
]
`)

	reg := NewRegistry()
	for _, v := range values {
		reg.Add(v)
	}

	var classifiers, actions []string
	for _, c := range reg.Classifiers() {
		classifiers = append(classifiers, c.ID())
	}
	for _, a := range reg.Actions() {
		actions = append(actions, a.ID())
	}
	if diff := cmp.Diff([]string{"star:urgent", "star:both"}, classifiers); diff != "" {
		t.Errorf("classifiers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"star:notify", "star:both"}, actions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}

	c, _ := reg.Classifier("star:urgent")
	out, err := c.Classify(context.Background(), plugin.Entity{Content: "Need this ASAP"}, plugin.ClassifyContext{})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if out == nil || out.Type != "urgent" || out.Confidence != nil {
		t.Errorf("expected certain urgent classification, got %+v", out)
	}

	a, _ := reg.Action("star:notify")
	res, err := a.Handle(context.Background(), plugin.ActionContext{Classification: *out})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !res.Success {
		t.Errorf("None result should be success, got %+v", res)
	}
}

func TestLoadStarlark_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "syntax error", src: "def classify(:\n"},
		{name: "runtime error", src: "x = 1 // 0\n"},
		{name: "handle without bindings", src: "def handle(ctx):\n    return None\n"},
		{name: "classify not callable", src: "classify = 1\n"},
		{name: "plugins not a list", src: "plugins = 1\n"},
		{name: "plugin without id", src: "def f(e, c):\n    return None\nplugins = [struct(classify = f)]\n"},
		{name: "bad bindings", src: "bindings = {\"spam\": \"high\"}\ndef handle(ctx):\n    return None\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadStarlark(context.Background(), "bad.star", []byte(tt.src), StarlarkOptions{})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadStarlark_ExportsNothing(t *testing.T) {
	values := loadStar(t, "helper = 1\n")
	if len(values) != 0 {
		t.Errorf("expected no plugins, got %d", len(values))
	}
}

func TestStarlarkClassifier_InvalidOutput(t *testing.T) {
	tests := []struct {
		name string
		ret  string
	}{
		{name: "not a dict", ret: `"spam"`},
		{name: "missing type", ret: `{"confidence": 0.5}`},
		{name: "confidence out of range", ret: `{"type": "spam", "confidence": 3}`},
		{name: "tags not a list", ret: `{"type": "spam", "tags": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := loadStar(t, "def classify(entity, ctx):\n    return "+tt.ret+"\n")
			c, _ := plugin.AsClassifier(values[0])
			if _, err := c.Classify(context.Background(), plugin.Entity{}, plugin.ClassifyContext{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStarlarkClassifier_StepLimit(t *testing.T) {
	src := `
def classify(entity, ctx):
    n = 0
    for i in range(100000000):
        n += i
    return None
`
	values, err := LoadStarlark(context.Background(), "slow.star", []byte(src), StarlarkOptions{
		Timeout:  time.Second,
		MaxSteps: 10000,
	})
	if err != nil {
		t.Fatalf("LoadStarlark() error = %v", err)
	}
	c, _ := plugin.AsClassifier(values[0])

	_, err = c.Classify(context.Background(), plugin.Entity{}, plugin.ClassifyContext{})
	if err == nil || !strings.Contains(err.Error(), "too many steps") {
		t.Errorf("expected step limit error, got %v", err)
	}
}
