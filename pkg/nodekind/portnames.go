package nodekind

import "strings"

// SanitizePortName makes a raw name usable as a query or template
// variable: every character that is not a letter, digit, or underscore
// becomes "_". The rule is observable in the query namespace, so it is
// part of the configuration contract.
func SanitizePortName(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DefaultInputName synthesizes the variable name for an unnamed
// jq/template input port from its source node and port.
func DefaultInputName(sourceNode, sourcePort string) string {
	return SanitizePortName(sourceNode + "_" + sourcePort)
}
