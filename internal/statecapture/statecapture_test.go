package statecapture

import (
	"fmt"
	"testing"
)

func TestCaptureScrollAndForms(t *testing.T) {
	scroll := func(selector string) (float64, float64, bool) {
		if selector == "" {
			return 0, 120, true
		}
		if selector == "#sidebar" {
			return 0, 40, true
		}
		return 0, 0, false
	}
	form := func(selector string) (string, bool) {
		if selector == "#password" {
			return "", false
		}
		return "hello", true
	}
	component := func(id string) (map[string]any, []string) {
		return map[string]any{"open": true}, nil
	}

	state := Capture("/dashboard", []string{"#sidebar"}, []string{"#name", "#password"}, nil, scroll, form, component, nil)

	if len(state.Scroll) != 2 {
		t.Fatalf("expected window + sidebar scroll entries, got %d", len(state.Scroll))
	}
	if _, ok := state.FormValues["#password"]; ok {
		t.Error("password field must not be captured")
	}
	if state.FormValues["#name"] != "hello" {
		t.Error("expected #name form value captured")
	}
}

func TestCaptureComponentTreeDepthBound(t *testing.T) {
	component := func(id string) (map[string]any, []string) {
		return map[string]any{"id": id}, []string{id + ".child"}
	}
	noScroll := func(string) (float64, float64, bool) { return 0, 0, false }
	noForm := func(string) (string, bool) { return "", false }

	state := Capture("/r", nil, nil, []string{"root"}, noScroll, noForm, component, nil)

	depth := 0
	node := state.Components[0]
	for len(node.Children) > 0 {
		depth++
		node = node.Children[0]
	}
	if depth >= maxComponentDepth {
		t.Errorf("expected depth bounded below %d, got %d", maxComponentDepth, depth)
	}
}

func TestCaptureDropsNonSerializableValues(t *testing.T) {
	component := func(id string) (map[string]any, []string) {
		return map[string]any{"fn": func() {}, "ok": "value"}, nil
	}
	noScroll := func(string) (float64, float64, bool) { return 0, 0, false }
	noForm := func(string) (string, bool) { return "", false }

	state := Capture("/r", nil, nil, []string{"root"}, noScroll, noForm, component, nil)

	values := state.Components[0].Values
	if _, ok := values["fn"]; ok {
		t.Error("expected function value to be dropped")
	}
	if values["ok"] != "value" {
		t.Error("expected serializable value to survive")
	}
}

func TestEnforceSizeBoundTruncatesAndStamps(t *testing.T) {
	component := func(id string) (map[string]any, []string) {
		big := make(map[string]any, 50)
		for i := 0; i < 50; i++ {
			big[fmt.Sprintf("k%d", i)] = fmt.Sprintf("some moderately long value number %d to pad size", i)
		}
		var children []string
		if len(id) < 20 {
			children = []string{id + "c1", id + "c2", id + "c3"}
		}
		return big, children
	}
	noScroll := func(string) (float64, float64, bool) { return 0, 0, false }
	noForm := func(string) (string, bool) { return "", false }

	state := Capture("/r", nil, nil, []string{"root1", "root2", "root3", "root4"}, noScroll, noForm, component, nil)

	if approxPageStateSize(state) > maxPayloadBytes {
		t.Errorf("expected payload to be truncated under bound, got %d bytes", approxPageStateSize(state))
	}
	if !state.StateTruncated {
		t.Error("expected stateTruncated to be stamped true")
	}
}
