package loader

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/sift/pkg/plugin"
)

// emptyModule is the smallest valid WebAssembly binary: magic and version only.
var emptyModule = []byte("\x00asm\x01\x00\x00\x00")

func TestLoadWASM_MissingExports(t *testing.T) {
	_, err := LoadWASM(context.Background(), "empty.wasm", emptyModule, WASMOptions{})
	if err == nil {
		t.Fatal("expected error for module without exports")
	}
	for _, name := range []string{"memory", "malloc", "free", "classify"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention missing %s", err, name)
		}
	}
}

func TestLoadWASM_InvalidBinary(t *testing.T) {
	_, err := LoadWASM(context.Background(), "junk.wasm", []byte("not wasm"), WASMOptions{})
	if err == nil {
		t.Fatal("expected error for invalid binary")
	}
}

func TestWASMOptionsDefaults(t *testing.T) {
	o := WASMOptions{}.withDefaults()
	if o.Timeout <= 0 {
		t.Error("expected a default timeout")
	}
	if o.MemoryLimitPages != 256 {
		t.Errorf("MemoryLimitPages = %d, want 256", o.MemoryLimitPages)
	}
}

// Offsets of the static data in classifierModule.
const (
	logMsgAt  = 256
	spamAt    = 288
	badConfAt = 384
)

const (
	logMsg  = "classifying"
	spamOut = `{"type":"spam","confidence":0.75,"tags":["wasm"]}`
	badConf = `{"type":"spam","confidence":2}`
)

// classifierModule assembles a classifier that branches on the first byte of
// the entity content: 's' returns spamOut, 'b' returns badConf, 'g' returns a
// pointer past the end of memory, 'l' loops forever and anything else returns
// null. malloc always hands out address 1024; free counts its calls in the
// i32 at address 0. Every call logs logMsg through env.log at info level.
func classifierModule() []byte {
	const (
		i32 = 0x7f
		i64 = 0x7e
	)
	functype := func(params, results []byte) []byte {
		return cat([]byte{0x60}, vec(len(params), params), vec(len(results), results))
	}
	packed := func(ptr, n uint64) int64 { return int64(ptr<<32 | n) }

	// Input JSON starts with {"content":" since keys are sorted.
	const contentAt = 12

	branch := func(c byte, body []byte) []byte {
		return cat(
			[]byte{0x20, 0x02}, // local.get 2
			[]byte{0x41}, sleb(int64(c)),
			[]byte{0x46},       // i32.eq
			[]byte{0x04, 0x40}, // if
			body,
			[]byte{0x0b},
		)
	}
	ret := func(v int64) []byte { return cat([]byte{0x42}, sleb(v), []byte{0x0f}) }

	malloc := cat([]byte{0x00, 0x41}, sleb(1024), []byte{0x0b})
	free := cat([]byte{0x00},
		[]byte{0x41, 0x00},
		[]byte{0x41, 0x00},
		[]byte{0x28, 0x02, 0x00}, // i32.load
		[]byte{0x41, 0x01},
		[]byte{0x6a},             // i32.add
		[]byte{0x36, 0x02, 0x00}, // i32.store
		[]byte{0x0b},
	)
	classify := cat(
		[]byte{0x01, 0x01, i32}, // one i32 local
		[]byte{0x41}, sleb(1),
		[]byte{0x41}, sleb(logMsgAt),
		[]byte{0x41}, sleb(int64(len(logMsg))),
		[]byte{0x10, 0x00}, // call env.log
		[]byte{0x20, 0x00},
		[]byte{0x2d, 0x00, contentAt}, // i32.load8_u
		[]byte{0x21, 0x02},
		branch('s', ret(packed(spamAt, uint64(len(spamOut))))),
		branch('b', ret(packed(badConfAt, uint64(len(badConf))))),
		branch('g', ret(packed(0x7fff0000, 10))),
		branch('l', []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}), // loop br 0 end
		ret(0),
		[]byte{0x0b},
	)

	segment := func(offset int64, data string) []byte {
		return cat([]byte{0x00, 0x41}, sleb(offset), []byte{0x0b}, str(data))
	}
	export := func(name string, kind, idx byte) []byte {
		return cat(str(name), []byte{kind, idx})
	}

	return cat(
		[]byte("\x00asm\x01\x00\x00\x00"),
		section(1, vec(4,
			functype([]byte{i32, i32, i32}, nil),
			functype([]byte{i32}, []byte{i32}),
			functype([]byte{i32}, nil),
			functype([]byte{i32, i32}, []byte{i64}),
		)),
		section(2, vec(1, cat(str("env"), str("log"), []byte{0x00, 0x00}))),
		section(3, vec(3, []byte{1, 2, 3})),
		section(5, vec(1, []byte{0x00, 0x01})),
		section(7, vec(4,
			export("memory", 0x02, 0),
			export("malloc", 0x00, 1),
			export("free", 0x00, 2),
			export("classify", 0x00, 3),
		)),
		section(10, vec(3, sized(malloc), sized(free), sized(classify))),
		section(11, vec(3,
			segment(logMsgAt, logMsg),
			segment(spamAt, spamOut),
			segment(badConfAt, badConf),
		)),
	)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(n int, items ...[]byte) []byte { return cat(uleb(uint64(n)), cat(items...)) }
func str(s string) []byte { return cat(uleb(uint64(len(s))), []byte(s)) }
func sized(b []byte) []byte { return cat(uleb(uint64(len(b))), b) }
func section(id byte, body []byte) []byte {
	return cat([]byte{id}, sized(body))
}

func loadClassifierModule(t *testing.T, opts WASMOptions) *WASMClassifier {
	t.Helper()
	c, err := LoadWASM(context.Background(), "plugins/spam.wasm", classifierModule(), opts)
	if err != nil {
		t.Fatalf("LoadWASM() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func freeCount(t *testing.T, c *WASMClassifier) uint32 {
	t.Helper()
	n, ok := c.memory.ReadUint32Le(0)
	if !ok {
		t.Fatal("free counter out of range")
	}
	return n
}

func TestWASMClassifier_Classify(t *testing.T) {
	c := loadClassifierModule(t, WASMOptions{})
	if c.ID() != "wasm:spam" {
		t.Errorf("ID() = %q, want wasm:spam", c.ID())
	}

	logger := &recordingLogger{}
	cctx := plugin.ClassifyContext{Logger: logger}

	out, err := c.Classify(context.Background(), plugin.Entity{ID: "m1", Content: "spam offer"}, cctx)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	conf := 0.75
	want := &plugin.ClassificationOutput{Type: "spam", Confidence: &conf, Tags: []string{"wasm"}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
	}
	// Input and output buffers.
	if n := freeCount(t, c); n != 2 {
		t.Errorf("free called %d times, want 2", n)
	}

	out, err = c.Classify(context.Background(), plugin.Entity{ID: "m2", Content: "hello"}, cctx)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if out != nil {
		t.Errorf("Classify() = %+v, want nil", out)
	}
	if n := freeCount(t, c); n != 3 {
		t.Errorf("free called %d times, want 3", n)
	}

	if diff := cmp.Diff([]string{logMsg, logMsg}, logger.infos); diff != "" {
		t.Errorf("logged messages mismatch (-want +got):\n%s", diff)
	}
}

func TestWASMClassifier_InvalidOutput(t *testing.T) {
	c := loadClassifierModule(t, WASMOptions{})

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "confidence above one", content: "big", want: "confidence must be between 0 and 1"},
		{name: "pointer past memory", content: "gone", want: "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Classify(context.Background(), plugin.Entity{ID: "x", Content: tt.content}, plugin.ClassifyContext{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Classify() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestWASMClassifier_RecoversAfterTimeout(t *testing.T) {
	c := loadClassifierModule(t, WASMOptions{Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	if _, err := c.Classify(ctx, plugin.Entity{ID: "m1", Content: "loop"}, plugin.ClassifyContext{}); err == nil {
		t.Fatal("expected timeout error")
	}

	for i := range 2 {
		out, err := c.Classify(ctx, plugin.Entity{ID: "m2", Content: "spam"}, plugin.ClassifyContext{})
		if err != nil {
			t.Fatalf("Classify() after timeout #%d error = %v", i, err)
		}
		if out == nil || out.Type != "spam" {
			t.Fatalf("Classify() after timeout #%d = %+v, want spam", i, out)
		}
	}
	// A fresh instance starts with a zeroed counter.
	if n := freeCount(t, c); n != 4 {
		t.Errorf("free called %d times on the new instance, want 4", n)
	}
}
