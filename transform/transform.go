// Package transform runs an optional JavaScript hook over records before
// delivery. Hosts use it to scrub payloads or veto individual records without
// recompiling the application.
package transform

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/courierhq/courier/observability"
	"github.com/courierhq/courier/record"
)

// executionBudget bounds a single hook invocation. A hook that loops forever
// is interrupted rather than stalling the flush.
const executionBudget = 100 * time.Millisecond

// exportName is the function the script must export.
const exportName = "transform"

// Script wraps a compiled hook bound to a single JavaScript runtime. Apply
// serialises access internally, so one Script is safe to share.
type Script struct {
	name string
	hash string

	mu sync.Mutex
	rt *goja.Runtime
	fn goja.Callable
}

// Compile compiles the hook source and validates that it exports a
// transform(record) function.
func Compile(name, source string) (*Script, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		trimmedName = "transform"
	}
	program, err := goja.Compile(trimmedName, source, true)
	if err != nil {
		return nil, fmt.Errorf("transform: compile %s: %w", trimmedName, err)
	}

	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return nil, fmt.Errorf("transform: execute %s: %w", trimmedName, err)
	}

	value := exports.Get(exportName)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("transform: %s must export a %q function", trimmedName, exportName)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("transform: %s export %q not callable", trimmedName, exportName)
	}

	script := new(Script)
	script.name = trimmedName
	script.hash = record.HashContent([]byte(source))
	script.rt = rt
	script.fn = fn
	return script, nil
}

// CompileFile loads and compiles a hook from disk.
func CompileFile(path string) (*Script, error) {
	source, err := os.ReadFile(strings.TrimSpace(path)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("transform: read %q: %w", path, err)
	}
	return Compile(path, string(source))
}

// Name returns the script's display name.
func (s *Script) Name() string { return s.name }

// Hash returns the content hash of the script source.
func (s *Script) Hash() string { return s.hash }

// Apply runs the hook over one record. The boolean reports whether the record
// should be kept. Hook errors and budget interrupts never propagate a broken
// record: the caller receives the original record, keep=true, and the error.
func (s *Script) Apply(rec record.Record) (out record.Record, keep bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			out = rec
			keep = true
			err = fmt.Errorf("transform: %s panicked: %v", s.name, r)
		}
	}()

	timer := time.AfterFunc(executionBudget, func() {
		s.rt.Interrupt("execution budget exceeded")
	})
	defer func() {
		timer.Stop()
		s.rt.ClearInterrupt()
	}()

	value, callErr := s.fn(goja.Undefined(), s.rt.ToValue(recordArgument(rec)))
	if callErr != nil {
		return rec, true, fmt.Errorf("transform: %s: %w", s.name, callErr)
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return rec, false, nil
	}
	switch exported := value.Export().(type) {
	case bool:
		return rec, exported, nil
	case map[string]any:
		payload, marshalErr := json.Marshal(exported)
		if marshalErr != nil {
			return rec, true, fmt.Errorf("transform: %s produced unmarshalable payload: %w", s.name, marshalErr)
		}
		rewritten := rec.Clone()
		rewritten.Payload = payload
		if rewritten.ContentHash != "" {
			rewritten.ContentHash = record.HashContent(payload)
		}
		return rewritten, true, nil
	default:
		return rec, true, nil
	}
}

// recordArgument shapes the record for the hook. The payload arrives as a
// parsed object so scripts can address fields directly.
func recordArgument(rec record.Record) map[string]any {
	var payload any
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			payload = string(rec.Payload)
		}
	}
	return map[string]any{
		"id":          rec.ID,
		"kind":        string(rec.Kind),
		"contentHash": rec.ContentHash,
		"payload":     payload,
		"recordedAt":  rec.RecordedAt.Format(time.RFC3339Nano),
	}
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

// buildConsole routes script console output through the structured logger so
// hook diagnostics land beside pipeline logs.
func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	log := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		observability.Log().Debug("transform console", observability.Field{Key: "message", Value: strings.Join(parts, " ")})
		return goja.Undefined()
	}
	_ = console.Set("log", log)
	_ = console.Set("warn", log)
	_ = console.Set("error", log)
	return console
}
