package hooks

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/tsawler/repviz/layers"
)

// Selector decides which leaf nodes receive a probe.
type Selector interface {
	Match(name string, n Node) bool
	String() string
}

type selectorFunc struct {
	desc  string
	match func(name string, n Node) bool
}

func (s selectorFunc) Match(name string, n Node) bool { return s.match(name, n) }
func (s selectorFunc) String() string                 { return s.desc }

// All matches every leaf.
func All() Selector {
	return selectorFunc{
		desc:  "all",
		match: func(string, Node) bool { return true },
	}
}

// ExactNames matches leaves whose dotted name is in names.
func ExactNames(names ...string) Selector {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return selectorFunc{
		desc:  fmt.Sprintf("names%v", names),
		match: func(name string, _ Node) bool { return set[name] },
	}
}

// Substring matches leaves whose name or type name contains any of the
// given fragments. Empty fragments never match.
func Substring(fragments ...string) Selector {
	return selectorFunc{
		desc: fmt.Sprintf("substring%v", fragments),
		match: func(name string, n Node) bool {
			typeName := n.Kind().String()
			for _, f := range fragments {
				if f == "" {
					continue
				}
				if strings.Contains(name, f) || strings.Contains(typeName, f) {
					return true
				}
			}
			return false
		},
	}
}

// LayerTypes matches leaves of the given concrete types.
func LayerTypes(types ...layers.LayerType) Selector {
	set := make(map[layers.LayerType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return selectorFunc{
		desc:  fmt.Sprintf("types%v", types),
		match: func(_ string, n Node) bool { return set[n.Kind()] },
	}
}

// Families matches leaves by structural tag, e.g. "normalization".
func Families(families ...layers.Family) Selector {
	set := make(map[layers.Family]bool, len(families))
	for _, f := range families {
		set[f] = true
	}
	return selectorFunc{
		desc:  fmt.Sprintf("families%v", families),
		match: func(_ string, n Node) bool { return set[n.Kind().Family()] },
	}
}

// Glob matches dotted names against a shell pattern where '*' stops at dots,
// e.g. "encoder.*" or "**.norm".
func Glob(pattern string) (Selector, error) {
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	return selectorFunc{
		desc:  "glob[" + pattern + "]",
		match: func(name string, _ Node) bool { return g.Match(name) },
	}, nil
}

// ParseSelector builds a selector from its configuration form:
// "all", "names:a,b", "substring:norm", "types:LayerNorm,Dense",
// "family:activation" or "glob:pattern".
func ParseSelector(expr string) (Selector, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(expr), ":")
	var values []string
	for _, v := range strings.Split(arg, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}

	switch strings.ToLower(kind) {
	case "", "all":
		return All(), nil
	case "names", "name":
		return ExactNames(values...), nil
	case "substring", "contains":
		return Substring(values...), nil
	case "types", "type":
		types := make([]layers.LayerType, 0, len(values))
		for _, v := range values {
			lt, err := layers.ParseLayerType(v)
			if err != nil {
				return nil, err
			}
			types = append(types, lt)
		}
		return LayerTypes(types...), nil
	case "family", "families":
		families := make([]layers.Family, 0, len(values))
		for _, v := range values {
			families = append(families, layers.Family(strings.ToLower(v)))
		}
		return Families(families...), nil
	case "glob":
		return Glob(arg)
	default:
		return nil, fmt.Errorf("unknown selector %q", kind)
	}
}
