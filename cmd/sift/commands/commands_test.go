package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/sift/pkg/config"
	"github.com/openfroyo/sift/pkg/events"
	"github.com/openfroyo/sift/pkg/plugin"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	pluginDir := filepath.Join(dir, "plugins")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatalf("Failed to create plugin dir: %v", err)
	}
	rules := `
- name: free-money
  match: {contains: free money}
  type: spam
  confidence: 0.9
`
	if err := os.WriteFile(filepath.Join(pluginDir, "rules.yaml"), []byte(rules), 0o644); err != nil {
		t.Fatalf("Failed to write rules: %v", err)
	}

	cfg := `
engine:
  poll_interval: 1h
  batch_size: 2
telemetry:
  logging: {level: error}
  metrics: {enabled: false}
plugins:
  dir: ` + pluginDir + `
store:
  path: ` + filepath.Join(dir, "sift.db") + `
domains:
  - id: inbox
    source: {kind: inbox}
    builtins:
      - kind: tag
        types: {spam: {min_confidence: 0.5}}
`
	path := filepath.Join(dir, "sift.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("sift %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestIngestPollEvents(t *testing.T) {
	t.Setenv("SIFT_LOG_LEVEL", "")
	t.Setenv("SIFT_POLL_INTERVAL", "")
	t.Setenv("SIFT_STORE_PATH", "")
	cfg := writeTestConfig(t)

	execute(t, "ingest", "-c", cfg, "--domain", "inbox", "--id", "m1", "--content", "Get FREE MONEY now")
	execute(t, "ingest", "-c", cfg, "--domain", "inbox", "--id", "m2", "--content", "Lunch on Friday?")

	var summary pollSummary
	if err := json.Unmarshal([]byte(execute(t, "poll", "-c", cfg, "--json")), &summary); err != nil {
		t.Fatalf("failed to decode poll output: %v", err)
	}
	want := pollSummary{Processed: 2, Classified: map[string]int{"spam": 1}, Unclassified: 1, Actions: 1}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Errorf("poll summary mismatch (-want +got):\n%s", diff)
	}

	var evs []map[string]any
	out := execute(t, "events", "-c", cfg, "--type", "message:classified", "--json")
	if err := json.Unmarshal([]byte(out), &evs); err != nil {
		t.Fatalf("failed to decode events output: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 classified event, got %d", len(evs))
	}
	if data, _ := evs[0]["data"].(map[string]any); data["type"] != "spam" {
		t.Errorf("unexpected event data: %v", evs[0]["data"])
	}
}

func TestPollResumesWhereItStopped(t *testing.T) {
	t.Setenv("SIFT_LOG_LEVEL", "")
	t.Setenv("SIFT_POLL_INTERVAL", "")
	t.Setenv("SIFT_STORE_PATH", "")
	cfg := writeTestConfig(t)

	execute(t, "ingest", "-c", cfg, "--domain", "inbox", "--id", "m1", "--content", "free money one")
	execute(t, "ingest", "-c", cfg, "--domain", "inbox", "--id", "m2", "--content", "free money two")
	execute(t, "ingest", "-c", cfg, "--domain", "inbox", "--id", "m3", "--content", "free money three")

	poll := func() pollSummary {
		t.Helper()
		var summary pollSummary
		if err := json.Unmarshal([]byte(execute(t, "poll", "-c", cfg, "--json")), &summary); err != nil {
			t.Fatalf("failed to decode poll output: %v", err)
		}
		return summary
	}

	// batch_size is 2, so the first poll leaves m3 for the second.
	want := []pollSummary{
		{Processed: 2, Classified: map[string]int{"spam": 2}, Actions: 2},
		{Processed: 1, Classified: map[string]int{"spam": 1}, Actions: 1},
		{Processed: 0, Classified: map[string]int{}},
	}
	for i, w := range want {
		if diff := cmp.Diff(w, poll()); diff != "" {
			t.Errorf("poll #%d mismatch (-want +got):\n%s", i+1, diff)
		}
	}
}

func TestClassifyCommand(t *testing.T) {
	t.Setenv("SIFT_LOG_LEVEL", "")
	t.Setenv("SIFT_POLL_INTERVAL", "")
	t.Setenv("SIFT_STORE_PATH", "")
	cfg := writeTestConfig(t)

	var res classifyResult
	if err := json.Unmarshal([]byte(execute(t, "classify", "-c", cfg, "--json", "free money inside")), &res); err != nil {
		t.Fatalf("failed to decode classify output: %v", err)
	}
	if res.Domain != "inbox" || res.Classifier != "rule:free-money" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Winner == nil || res.Winner.Type != "spam" || res.Winner.EffectiveConfidence() != 0.9 {
		t.Errorf("unexpected winner: %+v", res.Winner)
	}
	if len(res.Actions) != 0 {
		t.Errorf("classify without --dispatch must not run actions, got %+v", res.Actions)
	}

	out := execute(t, "classify", "-c", cfg, "hello there")
	if !strings.Contains(out, "result: unclassified") {
		t.Errorf("expected unclassified, got:\n%s", out)
	}
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("SIFT_LOG_LEVEL", "")
	t.Setenv("SIFT_POLL_INTERVAL", "")
	cfg := writeTestConfig(t)

	out := execute(t, "validate", "-c", cfg)
	if !strings.Contains(out, "rule:free-money") || !strings.Contains(out, "1 domains configured, 1 plugins loaded") {
		t.Errorf("unexpected validate output:\n%s", out)
	}
}

func TestDecodeEntities(t *testing.T) {
	in := `{"id":"a","content":"one","metadata":{"n":1}}
{"id":"b","content":"two"}`

	got, err := decodeEntities(strings.NewReader(in))
	if err != nil {
		t.Fatalf("decodeEntities() error = %v", err)
	}
	want := []plugin.Entity{
		{ID: "a", Content: "one", Metadata: map[string]any{"n": json.Number("1")}},
		{ID: "b", Content: "two"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entities mismatch (-want +got):\n%s", diff)
	}

	if _, err := decodeEntities(strings.NewReader(`{"content":"no id"}`)); err == nil {
		t.Error("expected error for entity without id")
	}
	if _, err := decodeEntities(strings.NewReader(`{"id":`)); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestSwapPluginsKeepsCursor(t *testing.T) {
	t.Setenv("SIFT_LOG_LEVEL", "")
	t.Setenv("SIFT_POLL_INTERVAL", "")
	t.Setenv("SIFT_STORE_PATH", "")
	ctx := context.Background()

	cfg, err := config.Load(writeTestConfig(t))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	a, err := newAppFromConfig(ctx, cfg, appParts{engine: true})
	if err != nil {
		t.Fatalf("newAppFromConfig() error = %v", err)
	}
	defer a.Close(ctx)

	var processed []string
	a.bus.Subscribe(events.TypeMessageClassified, func(ev events.Event) {
		processed = append(processed, ev.Data["entity_id"].(string)+"="+ev.Data["type"].(string))
	})

	if _, _, err := a.store.IngestEntity(ctx, "inbox", plugin.Entity{ID: "m1", Content: "free money"}); err != nil {
		t.Fatalf("IngestEntity() error = %v", err)
	}
	a.engine.PollOnce(ctx)

	rules := `
- name: free-money
  match: {contains: free money}
  type: scam
`
	if err := os.WriteFile(filepath.Join(cfg.Plugins.Dir, "rules.yaml"), []byte(rules), 0o644); err != nil {
		t.Fatalf("Failed to rewrite rules: %v", err)
	}
	reg, err := a.loader.LoadDirectory(ctx, cfg.Plugins.Dir)
	if err != nil {
		t.Fatalf("LoadDirectory() error = %v", err)
	}
	a.swapPlugins(ctx, reg)

	if _, _, err := a.store.IngestEntity(ctx, "inbox", plugin.Entity{ID: "m2", Content: "free money again"}); err != nil {
		t.Fatalf("IngestEntity() error = %v", err)
	}
	a.engine.PollOnce(ctx)

	if diff := cmp.Diff([]string{"m1=spam", "m2=scam"}, processed); diff != "" {
		t.Errorf("a reload must not replay the inbox (-want +got):\n%s", diff)
	}
}
