package transform

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/courierhq/courier/record"
)

const scrubScript = `
module.exports = {
  transform: function(rec) {
    if (rec.kind === "event" && rec.payload.user === "internal") {
      return false;
    }
    if (rec.payload.email) {
      rec.payload.email = "redacted";
      return rec.payload;
    }
    return true;
  }
};
`

func TestCompileRequiresTransformExport(t *testing.T) {
	if _, err := Compile("empty.js", `module.exports = {};`); err == nil {
		t.Fatalf("expected compile failure without a transform export")
	}
	if _, err := Compile("broken.js", `function (`); err == nil {
		t.Fatalf("expected compile failure for invalid source")
	}
	if _, err := Compile("value.js", `module.exports = { transform: 42 };`); err == nil {
		t.Fatalf("expected compile failure for non-callable export")
	}
}

func TestApplyRewritesPayload(t *testing.T) {
	script, err := Compile("scrub.js", scrubScript)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if script.Hash() == "" {
		t.Fatalf("expected a source hash")
	}

	rec := record.NewEvent([]byte(`{"user":"ada","email":"ada@example.com"}`))
	out, keep, err := script.Apply(rec)
	if err != nil || !keep {
		t.Fatalf("expected rewrite, got keep=%v err=%v", keep, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(out.Payload, &payload); err != nil {
		t.Fatalf("unmarshal rewritten payload: %v", err)
	}
	if payload["email"] != "redacted" {
		t.Fatalf("expected email scrubbed, got %v", payload["email"])
	}
	if payload["user"] != "ada" {
		t.Fatalf("untouched fields must survive, got %v", payload["user"])
	}
	if string(rec.Payload) != `{"user":"ada","email":"ada@example.com"}` {
		t.Fatalf("original record must stay immutable: %s", rec.Payload)
	}
}

func TestApplyRecomputesSnapshotHash(t *testing.T) {
	script, err := Compile("scrub.js", scrubScript)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	rec := record.NewSnapshot([]byte(`{"email":"x@example.com","tables":3}`))
	out, keep, err := script.Apply(rec)
	if err != nil || !keep {
		t.Fatalf("expected rewrite, got keep=%v err=%v", keep, err)
	}
	if out.ContentHash == "" || out.ContentHash == rec.ContentHash {
		t.Fatalf("rewritten snapshot must carry a fresh content hash")
	}
	if out.ContentHash != record.HashContent(out.Payload) {
		t.Fatalf("content hash must match the rewritten payload")
	}
}

func TestApplyDropsVetoedRecords(t *testing.T) {
	script, err := Compile("scrub.js", scrubScript)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	rec := record.NewEvent([]byte(`{"user":"internal"}`))
	_, keep, err := script.Apply(rec)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if keep {
		t.Fatalf("expected the hook to drop the record")
	}
}

func TestApplyPassesThroughOnTrue(t *testing.T) {
	script, err := Compile("scrub.js", scrubScript)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	rec := record.NewMutation([]byte(`{"op":"rename"}`))
	out, keep, err := script.Apply(rec)
	if err != nil || !keep {
		t.Fatalf("expected pass-through, got keep=%v err=%v", keep, err)
	}
	if string(out.Payload) != string(rec.Payload) {
		t.Fatalf("pass-through must not rewrite the payload")
	}
}

func TestApplySurvivesThrowingHook(t *testing.T) {
	script, err := Compile("throw.js", `module.exports = { transform: function() { throw new Error("boom"); } };`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	rec := record.NewEvent([]byte(`{"n":1}`))
	out, keep, err := script.Apply(rec)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected hook error, got %v", err)
	}
	if !keep || string(out.Payload) != string(rec.Payload) {
		t.Fatalf("a failing hook must pass the record through unchanged")
	}
}

func TestApplyInterruptsRunawayHook(t *testing.T) {
	script, err := Compile("spin.js", `module.exports = { transform: function() { for (;;) {} } };`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	rec := record.NewEvent([]byte(`{"n":1}`))
	out, keep, err := script.Apply(rec)
	if err == nil {
		t.Fatalf("expected a budget interrupt error")
	}
	if !keep || string(out.Payload) != string(rec.Payload) {
		t.Fatalf("an interrupted hook must pass the record through unchanged")
	}

	// The runtime must stay usable after an interrupt.
	again, keep, err := script.Apply(rec)
	if err == nil {
		t.Fatalf("expected the second invocation to be interrupted too")
	}
	if !keep || string(again.Payload) != string(rec.Payload) {
		t.Fatalf("interrupted runtime must keep passing records through")
	}
}
