package config

import (
	"regexp"

	"gopkg.in/yaml.v3"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandPlaceholders substitutes ${VAR} and ${VAR:-default} in s using lookup.
// An unset variable without a default expands to the empty string; a variable
// set to "" also takes the default.
func ExpandPlaceholders(s string, lookup func(string) (string, bool)) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		name, def := sub[1], sub[2]
		hasDefault := len(m) > len(name)+3
		if v, ok := lookup(name); ok && (v != "" || !hasDefault) {
			return v
		}
		return def
	})
}

// expandNode expands placeholders in the scalar values of a parsed document.
// Mapping keys are left alone. A substituted value stays a single scalar
// whatever it contains. Plain scalars drop their resolved tag so that
// "port: ${PORT}" still decodes as a number.
func expandNode(n *yaml.Node, lookup func(string) (string, bool)) {
	switch n.Kind {
	case yaml.ScalarNode:
		v := ExpandPlaceholders(n.Value, lookup)
		if v == n.Value {
			return
		}
		n.Value = v
		if n.Style&(yaml.TaggedStyle|yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle|yaml.LiteralStyle|yaml.FoldedStyle) == 0 {
			n.Tag = ""
		}
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			expandNode(n.Content[i], lookup)
		}
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			expandNode(c, lookup)
		}
	}
}
