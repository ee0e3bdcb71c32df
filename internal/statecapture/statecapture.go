// Package statecapture captures a route's UI state before an unmount or
// navigation and restores it after remount: scroll positions, form
// values, and a depth- and size-bounded component tree.
package statecapture

import (
	"sort"

	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/sizedval"
)

const (
	maxComponentDepth = 5
	maxPayloadBytes   = 256 * 1024
)

// ScrollPosition is one captured scroll offset, either the window itself
// (Selector == "") or a named scroll container.
type ScrollPosition struct {
	Selector string  `json:"selector"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// ComponentNode is one snapshot in the captured component tree, keyed by
// a stable component id supplied by the caller's snapshot provider.
type ComponentNode struct {
	ID       string                 `json:"id"`
	Values   map[string]any         `json:"values"`
	Children []ComponentNode        `json:"children,omitempty"`
}

// PageState is the full captured snapshot for one route.
type PageState struct {
	Route           string            `json:"route"`
	Scroll          []ScrollPosition  `json:"scroll"`
	FormValues      map[string]string `json:"formValues"`
	Components      []ComponentNode   `json:"components"`
	StateTruncated  bool              `json:"stateTruncated"`
}

// ScrollProvider returns the current scroll offset for a window or a
// named scroll container; selector == "" means the window itself.
type ScrollProvider func(selector string) (x, y float64, ok bool)

// FormProvider returns the current string value of a form field matched
// by selector, or ok=false if the field does not exist or is a password
// field (password fields must never be returned).
type FormProvider func(selector string) (value string, ok bool)

// ComponentProvider returns the current snapshot for componentID: its
// own JSON-serializable values and the ids of its direct children. It is
// invoked recursively by Capture up to maxComponentDepth.
type ComponentProvider func(componentID string) (values map[string]any, childIDs []string)

// Capture builds a PageState for route using the supplied providers.
// scrollSelectors lists named scroll containers beyond the window
// itself; formSelectors lists form field selectors to read (the caller
// is responsible for excluding password fields from this list, and
// FormProvider returning ok=false for one is also respected); rootComponentIDs
// seeds the component-tree walk.
func Capture(
	route string,
	scrollSelectors []string,
	formSelectors []string,
	rootComponentIDs []string,
	scroll ScrollProvider,
	form FormProvider,
	component ComponentProvider,
	logger *zap.Logger,
) PageState {
	if logger == nil {
		logger = zap.NewNop()
	}

	state := PageState{
		Route:      route,
		FormValues: make(map[string]string),
	}

	if x, y, ok := scroll(""); ok {
		state.Scroll = append(state.Scroll, ScrollPosition{X: x, Y: y})
	}
	for _, sel := range scrollSelectors {
		if x, y, ok := scroll(sel); ok {
			state.Scroll = append(state.Scroll, ScrollPosition{Selector: sel, X: x, Y: y})
		}
	}

	for _, sel := range formSelectors {
		if v, ok := form(sel); ok {
			state.FormValues[sel] = v
		}
	}

	for _, id := range rootComponentIDs {
		if node, ok := captureComponent(id, 0, component, logger); ok {
			state.Components = append(state.Components, node)
		}
	}

	enforceSizeBound(&state)
	return state
}

func captureComponent(id string, depth int, provider ComponentProvider, logger *zap.Logger) (ComponentNode, bool) {
	if depth >= maxComponentDepth {
		return ComponentNode{}, false
	}

	rawValues, childIDs := provider(id)
	values := make(map[string]any, len(rawValues))
	for k, v := range rawValues {
		cloned, err := sizedval.DeepClone(v)
		if err != nil {
			logger.Info("statecapture: dropped non-serializable value", zap.String("component", id), zap.String("key", k))
			continue
		}
		values[k] = cloned
	}

	node := ComponentNode{ID: id, Values: values}
	for _, childID := range childIDs {
		if child, ok := captureComponent(childID, depth+1, provider, logger); ok {
			node.Children = append(node.Children, child)
		}
	}
	return node, true
}

func approxPageStateSize(s PageState) int {
	total := len(s.Route) * 2
	for _, sp := range s.Scroll {
		total += len(sp.Selector)*2 + 16
	}
	for k, v := range s.FormValues {
		total += len(k)*2 + len(v)*2
	}
	for _, c := range s.Components {
		total += approxComponentSize(c)
	}
	return total
}

func approxComponentSize(c ComponentNode) int {
	total := len(c.ID) * 2
	for k, v := range c.Values {
		total += len(k)*2 + sizedval.ApproximateSize(v)
	}
	for _, child := range c.Children {
		total += approxComponentSize(child)
	}
	return total
}

// enforceSizeBound truncates the component tree breadth-first — removing
// the deepest level first, and dropping root components from the end of
// the list only once no children remain — until the estimated payload
// fits maxPayloadBytes, stamping StateTruncated when it had to remove
// anything.
func enforceSizeBound(state *PageState) {
	if approxPageStateSize(*state) <= maxPayloadBytes {
		return
	}

	// breadth-first: flatten all components (cross-root) by depth so
	// truncation removes the deepest, least central nodes first, trimming
	// whole subtrees from the end of the root list only as a last resort.
	for approxPageStateSize(*state) > maxPayloadBytes && len(state.Components) > 0 {
		trimDeepestLevel(state)
		state.StateTruncated = true
	}
}

// trimDeepestLevel removes every node at the tree's current maximum
// depth, breadth-first, or — if only roots remain — drops the last root.
func trimDeepestLevel(state *PageState) {
	// maxDepth counts levels, so the deepest nodes sit at level depth-1.
	depth := maxDepth(state.Components, 0)
	if depth <= 1 {
		state.Components = state.Components[:len(state.Components)-1]
		return
	}
	state.Components = pruneAtDepth(state.Components, 0, depth-1)
}

func maxDepth(nodes []ComponentNode, depth int) int {
	max := depth
	for _, n := range nodes {
		if d := maxDepth(n.Children, depth+1); d > max {
			max = d
		}
	}
	return max
}

func pruneAtDepth(nodes []ComponentNode, depth, target int) []ComponentNode {
	out := make([]ComponentNode, 0, len(nodes))
	for _, n := range nodes {
		if depth+1 == target {
			n.Children = nil
		} else {
			n.Children = pruneAtDepth(n.Children, depth+1, target)
		}
		out = append(out, n)
	}
	return out
}

// Restore is the inverse of Capture for scroll and form state: it replays
// the scroll positions in captured order and the form values in sorted
// selector order through caller-supplied setters. It does not replay the
// component tree; the caller reads that from state.Components.
func Restore(state PageState, scrollSet func(selector string, x, y float64), formSet func(selector, value string)) {
	for _, sp := range state.Scroll {
		scrollSet(sp.Selector, sp.X, sp.Y)
	}
	keys := make([]string, 0, len(state.FormValues))
	for k := range state.FormValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		formSet(k, state.FormValues[k])
	}
}
