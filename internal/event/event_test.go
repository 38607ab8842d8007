package event

import (
	"encoding/json"
	"testing"
)

func TestValidAndTerminal(t *testing.T) {
	for _, typ := range []Type{TypeStatus, TypeToolStart, TypeToolEnd, TypeComplete, TypeError} {
		if !Valid(typ) {
			t.Fatalf("%s should be valid", typ)
		}
	}
	if Valid("bogus") || Valid("") {
		t.Fatalf("unknown types must be invalid")
	}

	if !Terminal(TypeComplete) || !Terminal(TypeError) {
		t.Fatalf("complete and error are terminal")
	}
	for _, typ := range []Type{TypeStatus, TypeToolStart, TypeToolEnd} {
		if Terminal(typ) {
			t.Fatalf("%s must not be terminal", typ)
		}
	}
}

func TestWireShape(t *testing.T) {
	cases := []struct {
		ev   Event
		want string
	}{
		{Status("analyzing"), `{"event":"status","content":"analyzing"}`},
		{ToolStart("search"), `{"event":"tool_start","tool_name":"search"}`},
		{ToolEnd("search", "3 results"), `{"event":"tool_end","tool_name":"search","content":"3 results"}`},
		{Complete("done"), `{"event":"complete","final_response":"done"}`},
		{Error("boom"), `{"event":"error","message":"boom"}`},
	}
	for _, c := range cases {
		raw, err := json.Marshal(c.ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", c.ev.Type, err)
		}
		if string(raw) != c.want {
			t.Fatalf("wire shape drift for %s:\n got %s\nwant %s", c.ev.Type, raw, c.want)
		}
	}
}
