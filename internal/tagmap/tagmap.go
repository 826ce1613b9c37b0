package tagmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrMissingFallback = errors.New("interior node has no fallback")
	ErrInvalidNode     = errors.New("invalid tag mapping node")
)

const (
	FallbackKey = "fallback"
	LocationKey = "folder_id"
	LabelsKey   = "notion_tags"
)

// LabelSpec is a label to render into the record system. Kind selects the
// renderer; two labels are the same label when both fields match.
type LabelSpec struct {
	Kind  string `json:"type" yaml:"type" toml:"type"`
	Value string `json:"value" yaml:"value" toml:"value"`
}

// Node is either a *Leaf or an *Interior.
type Node interface {
	node()
}

type Leaf struct {
	Location string
	Labels   []LabelSpec
}

type Interior struct {
	Children map[string]Node
	Fallback Node
}

func (*Leaf) node()     {}
func (*Interior) node() {}

// child looks up a segment. The fallback is addressable by name, so a tag
// segment "fallback" selects it explicitly.
func (n *Interior) child(segment string) (Node, bool) {
	if segment == FallbackKey {
		return n.Fallback, n.Fallback != nil
	}
	child, ok := n.Children[segment]
	return child, ok
}

// FallbackLeaf follows fallback links until a leaf is reached.
func (n *Interior) FallbackLeaf() *Leaf {
	var current Node = n
	for {
		switch typed := current.(type) {
		case *Leaf:
			return typed
		case *Interior:
			current = typed.Fallback
		default:
			return nil
		}
	}
}

// Mapping is the parsed tag tree. It is read-only after Parse.
type Mapping struct {
	root *Interior
}

func (m *Mapping) Root() *Interior {
	return m.root
}

// Fallback is the top-level fallback leaf used when no tag is recognised.
func (m *Mapping) Fallback() *Leaf {
	return m.root.FallbackLeaf()
}

// Segments splits a tag string on "." and drops empty segments, so the
// trailing dot that terminates a tag ("ma.u.") does not count as a level.
func Segments(tag string) []string {
	raw := strings.Split(strings.TrimSpace(tag), ".")
	segments := make([]string, 0, len(raw))
	for _, segment := range raw {
		if segment == "" {
			continue
		}
		segments = append(segments, segment)
	}
	return segments
}

// Resolve walks the tree one segment at a time. A missing segment, or a
// segment left over after a leaf, yields false. An interior node reached at
// the end of the tag yields that node's fallback.
func (m *Mapping) Resolve(tag string) (*Leaf, bool) {
	segments := Segments(tag)
	if len(segments) == 0 {
		return nil, false
	}
	return resolve(m.root, segments)
}

func resolve(current *Interior, segments []string) (*Leaf, bool) {
	next, ok := current.child(segments[0])
	if !ok {
		return nil, false
	}
	rest := segments[1:]
	switch typed := next.(type) {
	case *Leaf:
		if len(rest) > 0 {
			return nil, false
		}
		return typed, true
	case *Interior:
		if len(rest) > 0 {
			return resolve(typed, rest)
		}
		leaf := typed.FallbackLeaf()
		return leaf, leaf != nil
	default:
		return nil, false
	}
}

// LocationLabels pairs a destination location with the labels of the leaf
// that targets it.
type LocationLabels struct {
	Location string
	Labels   []LabelSpec
}

// Leaves returns every reachable leaf, fallbacks included, keyed by
// location. Children are visited in sorted key order with the fallback
// last. A location's position is fixed by its first occurrence; when two
// leaves share a location the later one's labels win.
func (m *Mapping) Leaves() []LocationLabels {
	var out []LocationLabels
	positions := map[string]int{}
	var walk func(n Node)
	walk = func(n Node) {
		switch typed := n.(type) {
		case *Leaf:
			entry := LocationLabels{Location: typed.Location, Labels: append([]LabelSpec(nil), typed.Labels...)}
			if idx, ok := positions[typed.Location]; ok {
				out[idx] = entry
				return
			}
			positions[typed.Location] = len(out)
			out = append(out, entry)
		case *Interior:
			keys := make([]string, 0, len(typed.Children))
			for key := range typed.Children {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				walk(typed.Children[key])
			}
			if typed.Fallback != nil {
				walk(typed.Fallback)
			}
		}
	}
	walk(m.root)
	return out
}

// Parse builds a Mapping from a decoded document. Any node carrying a
// folder_id is a leaf; every other node is interior and must carry a
// fallback.
func Parse(doc map[string]any) (*Mapping, error) {
	root, err := parseInterior(doc, nil)
	if err != nil {
		return nil, err
	}
	return &Mapping{root: root}, nil
}

func parseNode(raw any, path []string) (Node, error) {
	fields, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, expected a table", ErrInvalidNode, displayPath(path), raw)
	}
	if _, isLeaf := fields[LocationKey]; isLeaf {
		return parseLeaf(fields, path)
	}
	return parseInterior(fields, path)
}

func parseLeaf(fields map[string]any, path []string) (*Leaf, error) {
	location, ok := fields[LocationKey].(string)
	if !ok || strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("%w: %s has an empty or non-string %s", ErrInvalidNode, displayPath(path), LocationKey)
	}
	labels, err := parseLabels(fields[LabelsKey], path)
	if err != nil {
		return nil, err
	}
	return &Leaf{Location: strings.TrimSpace(location), Labels: labels}, nil
}

func parseInterior(fields map[string]any, path []string) (*Interior, error) {
	rawFallback, ok := fields[FallbackKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingFallback, displayPath(path))
	}
	fallback, err := parseNode(rawFallback, appendPath(path, FallbackKey))
	if err != nil {
		return nil, err
	}
	node := &Interior{Children: map[string]Node{}, Fallback: fallback}
	for key, raw := range fields {
		if key == FallbackKey {
			continue
		}
		if strings.Contains(key, ".") || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: segment %q under %s", ErrInvalidNode, key, displayPath(path))
		}
		child, err := parseNode(raw, appendPath(path, key))
		if err != nil {
			return nil, err
		}
		node.Children[key] = child
	}
	if node.FallbackLeaf() == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingFallback, displayPath(path))
	}
	return node, nil
}

func parseLabels(raw any, path []string) ([]LabelSpec, error) {
	if raw == nil {
		return []LabelSpec{}, nil
	}
	var items []any
	switch typed := raw.(type) {
	case []any:
		items = typed
	case []map[string]any:
		for _, item := range typed {
			items = append(items, item)
		}
	default:
		return nil, fmt.Errorf("%w: %s.%s is %T, expected a list", ErrInvalidNode, displayPath(path), LabelsKey, raw)
	}
	labels := make([]LabelSpec, 0, len(items))
	for i, item := range items {
		fields, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s[%d] is not a table", ErrInvalidNode, displayPath(path), LabelsKey, i)
		}
		kind, _ := fields["type"].(string)
		if kind == "" {
			kind, _ = fields["kind"].(string)
		}
		value, _ := fields["value"].(string)
		if kind == "" {
			return nil, fmt.Errorf("%w: %s.%s[%d] has no type", ErrInvalidNode, displayPath(path), LabelsKey, i)
		}
		labels = append(labels, LabelSpec{Kind: kind, Value: value})
	}
	return labels, nil
}

func asMap(raw any) (map[string]any, bool) {
	switch typed := raw.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			name, ok := key.(string)
			if !ok {
				return nil, false
			}
			out[name] = value
		}
		return out, true
	default:
		return nil, false
	}
}

func appendPath(path []string, segment string) []string {
	out := make([]string, 0, len(path)+1)
	out = append(out, path...)
	return append(out, segment)
}

func displayPath(path []string) string {
	if len(path) == 0 {
		return "<root>"
	}
	return strings.Join(path, ".")
}
