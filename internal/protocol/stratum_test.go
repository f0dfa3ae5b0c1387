package protocol

import (
	"encoding/json"
	"testing"
)

func TestSubscribeResultMarshalsAsArray(t *testing.T) {
	result := SubscribeResult{
		Subscriptions:   [][]interface{}{{"mining.notify", "abc"}},
		Extranonce1:     "deadbeef",
		Extranonce2Size: 4,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		t.Fatalf("expected a JSON array, got %s: %v", raw, err)
	}
	if len(arr) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(arr))
	}
}

func TestNotifyParamsMarshalsAsPositionalArray(t *testing.T) {
	params := NotifyParams{
		JobID:          "1",
		PrevBlockHash:  "aa",
		Coinbase1:      "bb",
		Coinbase2:      "cc",
		MerkleBranches: []string{"dd"},
		Version:        "20000000",
		NBits:          "17034219",
		NTime:          "65760fe0",
		CleanJobs:      true,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var arr []interface{}
	if err := json.Unmarshal(raw, &arr); err != nil {
		t.Fatalf("expected a JSON array: %v", err)
	}
	if len(arr) != 9 {
		t.Fatalf("expected 9 positional fields, got %d", len(arr))
	}
	if arr[0] != "1" || arr[8] != true {
		t.Fatalf("unexpected positional values: %v", arr)
	}
}

func TestSetDifficultyParamsMarshalsAsSingleElementArray(t *testing.T) {
	raw, err := json.Marshal(SetDifficultyParams{Difficulty: 16384})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != "[16384]" {
		t.Fatalf("expected [16384], got %s", raw)
	}
}

func TestParseSubscribeParamsHandlesEmptyAndPartial(t *testing.T) {
	p, err := ParseSubscribeParams(json.RawMessage(`[]`))
	if err != nil || p.UserAgent != "" {
		t.Fatalf("expected empty subscribe params, got %+v err=%v", p, err)
	}

	p, err = ParseSubscribeParams(json.RawMessage(`["cgminer/4.10.0"]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.UserAgent != "cgminer/4.10.0" {
		t.Fatalf("expected user agent cgminer/4.10.0, got %s", p.UserAgent)
	}
}

func TestParseAuthorizeParamsRequiresUsername(t *testing.T) {
	p, err := ParseAuthorizeParams(json.RawMessage(`["bc1qxyz.worker1", "x"]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Username != "bc1qxyz.worker1" || p.Password != "x" {
		t.Fatalf("unexpected parse result: %+v", p)
	}
}

func TestParseSubmitParamsRequiresFiveFields(t *testing.T) {
	if _, err := ParseSubmitParams(json.RawMessage(`["w","1","2"]`)); err == nil {
		t.Fatal("expected error for too few submit params")
	}

	p, err := ParseSubmitParams(json.RawMessage(`["w","1","aabbccdd","65760fe0","00000000"]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.WorkerName != "w" || p.JobID != "1" || p.Extranonce2 != "aabbccdd" {
		t.Fatalf("unexpected parse result: %+v", p)
	}
}

func TestParseConfigureExtensionsWithCapabilities(t *testing.T) {
	raw := json.RawMessage(`[["version-rolling"], {"version-rolling.mask": "1fffe000", "version-rolling": {"mask": "1fffe000", "min-bit-count": 2}}]`)
	extensions, caps, err := ParseConfigureExtensions(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(extensions) != 1 || extensions[0] != "version-rolling" {
		t.Fatalf("expected [version-rolling], got %v", extensions)
	}
	if caps == nil || caps.VersionRolling == nil || caps.VersionRolling.Mask != "1fffe000" {
		t.Fatalf("expected version-rolling capability parsed, got %+v", caps)
	}
}

func TestParseConfigureExtensionsWithNoParams(t *testing.T) {
	extensions, caps, err := ParseConfigureExtensions(json.RawMessage(`[]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if extensions != nil || caps != nil {
		t.Fatalf("expected nil extensions and caps for empty params, got %v %v", extensions, caps)
	}
}

func TestStratumErrorToJSON(t *testing.T) {
	e := NewError(ErrLowDifficultyShare, "too low")
	arr := e.ToJSON()
	if len(arr) != 3 || arr[0] != ErrLowDifficultyShare || arr[1] != "too low" || arr[2] != nil {
		t.Fatalf("unexpected error JSON shape: %v", arr)
	}
	if e.Error() != "too low" {
		t.Fatalf("expected Error() to return the message, got %s", e.Error())
	}
}
