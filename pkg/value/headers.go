package value

import "strings"

// Headers is a case-insensitive multimap from header name to one or
// several ordered values. Canonical key form is lowercase.
type Headers struct {
	order  []string
	values map[string][]string
}

func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

func canon(name string) string {
	return strings.ToLower(name)
}

// Add appends a value under name, preserving prior values under that name.
func (h *Headers) Add(name, val string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], val)
}

// Set replaces all values under name with the single value val.
func (h *Headers) Set(name, val string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = []string{val}
}

// Get returns the first value under name, if any.
func (h *Headers) Get(name string) (string, bool) {
	vs, ok := h.values[canon(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Values returns every value under name in insertion order.
func (h *Headers) Values(name string) []string {
	return append([]string(nil), h.values[canon(name)]...)
}

// Names returns every distinct header name, lowercased, in first-seen order.
func (h *Headers) Names() []string {
	return append([]string(nil), h.order...)
}

// ToValue renders the headers as an Object keyed by lowercase name:
// single values become String, multi-valued names become Array(String).
func (h *Headers) ToValue() V {
	fields := make(map[string]V, len(h.order))
	for _, name := range h.order {
		vs := h.values[name]
		if len(vs) == 1 {
			fields[name] = String(vs[0])
			continue
		}
		items := make([]V, len(vs))
		for i, s := range vs {
			items[i] = String(s)
		}
		fields[name] = Array(items)
	}
	return Object(fields)
}

// HeadersFromValue is the inverse of ToValue, used when a call/exit/response
// node's headers input port is written back to wire headers.
func HeadersFromValue(v V) *Headers {
	h := NewHeaders()
	fields, ok := v.Object()
	if !ok {
		return h
	}
	for name, fv := range fields {
		switch fv.Kind() {
		case KindString:
			s, _ := fv.String()
			h.Add(name, s)
		case KindArray:
			items, _ := fv.Array()
			for _, item := range items {
				if s, ok := item.String(); ok {
					h.Add(name, s)
				}
			}
		default:
			// Non-string header values are not representable on the wire;
			// coerce to their native scalar form.
			h.Add(name, nativeToHeaderString(fv))
		}
	}
	return h
}

func nativeToHeaderString(v V) string {
	switch v.Kind() {
	case KindNull:
		return ""
	case KindBool:
		b, _ := v.Bool()
		if b {
			return "true"
		}
		return "false"
	case KindNumber:
		n, _ := v.Number()
		return trimFloat(n)
	default:
		return ""
	}
}
