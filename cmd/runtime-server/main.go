// Command runtime-server is a transport-free demonstration harness: it
// drives one session from a manifest file and a recorded input stream on
// disk, printing output values and the terminal result to stdout and
// progress events and status lines to stderr. It stands in
// for the RPC/WebRTC/SRT transports a production deployment would expose
// instead, which are out of scope here.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/pipelinert/internal/config"
	"github.com/ocx/pipelinert/internal/executor/native"
	"github.com/ocx/pipelinert/internal/progressbus"
	"github.com/ocx/pipelinert/internal/registry"
	"github.com/ocx/pipelinert/internal/runtime"
	"github.com/ocx/pipelinert/internal/runtimedata"
	"github.com/ocx/pipelinert/internal/session"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to a pipeline manifest YAML file")
	inputPath := flag.String("input", "", "path to a recorded input stream (newline-delimited JSON)")
	flag.Parse()

	if *manifestPath == "" {
		log.Fatal("runtime-server: -manifest is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Get()

	reg, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("runtime-server: building registry: %v", err)
	}

	rt := runtime.New(cfg, reg, native.NewRegistry(), logger)
	defer rt.Close()

	manifestYAML, err := os.ReadFile(*manifestPath)
	if err != nil {
		log.Fatalf("runtime-server: reading manifest: %v", err)
	}

	in := newFileInput(*inputPath)
	defer in.Close()
	out := newStdoutOutput()
	bus := progressbus.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go streamProgress(bus)

	handle, err := rt.Execute(ctx, manifestYAML, in, out, bus)
	if err != nil {
		log.Fatalf("runtime-server: session failed to start: %v", err)
	}

	fmt.Fprintf(os.Stderr, "runtime-server: session %s running\n", handle.ID())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod()+5*time.Second)
	defer cancel()
	handle.Shutdown(shutdownCtx)
	bus.Close()

	state, reason := handle.Status()
	fmt.Fprintf(os.Stderr, "runtime-server: session ended in state %s (%s)\n", state, reason)
}

// buildRegistry assembles a registry.Registry from the process-wide
// configuration's pattern table and availability set. WASM is only marked
// available when the operator has opted in via config.WasmConfig.Enabled,
// since it is the heaviest and least battle-tested backend.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	patterns := make([]registry.PatternRule, 0, len(cfg.Registry.Patterns))
	for _, p := range cfg.Registry.Patterns {
		patterns = append(patterns, registry.PatternRule{
			Prefix:   p.Prefix,
			Kind:     registry.Kind(p.Kind),
			Priority: p.Priority,
		})
	}

	return registry.New(registry.Config{
		Patterns:    patterns,
		DefaultKind: registry.Kind(cfg.Registry.DefaultKind),
		Available: map[registry.Kind]bool{
			registry.KindNative:       true,
			registry.KindMultiprocess: true,
			registry.KindWasm:         cfg.Wasm.Enabled,
		},
	})
}

// streamProgress drains the progress bus to stderr as newline-delimited
// JSON, separate from the session's own Output.Progress sink so a
// terminal observer and a future external sink (e.g. a WebSocket relay)
// can both subscribe independently. It returns once bus.Close() closes
// its channel at session teardown, so it does not also Unsubscribe —
// doing both would close an already-closed channel.
func streamProgress(bus *progressbus.Bus) {
	ch := bus.Subscribe()
	enc := json.NewEncoder(os.Stderr)
	for p := range ch {
		_ = enc.Encode(p)
	}
}

// fileInput reads recorded input records, one JSON object per line, from
// a file and decodes each into a runtimedata.Value. An empty path yields
// an Input that reports end-of-stream immediately — useful for manifests
// whose stage-0 nodes are themselves generators needing no external feed.
type fileInput struct {
	sessionID string
	f         *os.File
	scanner   *bufio.Scanner
}

func newFileInput(path string) *fileInput {
	in := &fileInput{sessionID: "runtime-server"}
	if path == "" {
		return in
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("runtime-server: opening input stream: %v", err)
	}
	in.f = f
	in.scanner = bufio.NewScanner(f)
	in.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return in
}

func (in *fileInput) Close() {
	if in.f != nil {
		in.f.Close()
	}
}

type recordedValue struct {
	Kind     string         `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Language string         `json:"language,omitempty"`
	Value    any            `json:"value,omitempty"`
	Bytes    []byte         `json:"bytes,omitempty"`
	Control  string         `json:"control,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (in *fileInput) Next(ctx context.Context) (runtimedata.Value, bool, error) {
	if in.scanner == nil {
		return nil, false, nil
	}
	if !in.scanner.Scan() {
		return nil, false, in.scanner.Err()
	}

	var rec recordedValue
	if err := json.Unmarshal(in.scanner.Bytes(), &rec); err != nil {
		return nil, false, fmt.Errorf("runtime-server: decoding recorded value: %w", err)
	}

	now := time.Now()
	switch rec.Kind {
	case "Text", "":
		return runtimedata.NewText(in.sessionID, now, rec.Text, rec.Language), true, nil
	case "Json":
		return runtimedata.NewJSON(in.sessionID, now, rec.Value), true, nil
	case "Binary":
		return runtimedata.NewBinary(in.sessionID, now, rec.Bytes), true, nil
	case "Control":
		return runtimedata.NewControl(in.sessionID, now, runtimedata.ControlType(rec.Control)), true, nil
	default:
		return nil, false, fmt.Errorf("runtime-server: recorded value kind %q not supported by this harness", rec.Kind)
	}
}

// stdoutOutput prints every value and the terminal result as
// newline-delimited JSON to stdout, keeping stderr free for progress and
// operational logging.
type stdoutOutput struct {
	enc *json.Encoder
}

func newStdoutOutput() *stdoutOutput {
	return &stdoutOutput{enc: json.NewEncoder(os.Stdout)}
}

func (o *stdoutOutput) Value(v runtimedata.Value) {
	_ = o.enc.Encode(map[string]any{
		"kind":       v.Kind().String(),
		"session_id": v.SessionID(),
		"timestamp":  v.Timestamp(),
		"value":      v,
	})
}

func (o *stdoutOutput) Progress(p progressbus.Progress) {}

func (o *stdoutOutput) Result(r session.Result) {
	_ = o.enc.Encode(map[string]any{"result": r.Status, "reason": r.Reason})
}
