package value

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrCoercion marks a body declared as JSON but unparseable. It is never
// fatal; callers fall back to Raw.
var ErrCoercion = errors.New("datakit: coercion error")

// IsJSONContentType reports whether a media type is a recognized
// structured JSON type: application/json or any *+json suffix.
func IsJSONContentType(contentType string) bool {
	ct := stripParams(contentType)
	if ct == "application/json" {
		return true
	}
	return strings.HasSuffix(ct, "+json")
}

// IsFormContentType reports whether a media type is the urlencoded form
// type, which decodes to a structured value like JSON does.
func IsFormContentType(contentType string) bool {
	return stripParams(contentType) == "application/x-www-form-urlencoded"
}

func stripParams(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// DecodeBody decodes body bytes by content type: a recognized JSON media
// type decodes to a structured V; a recognized form media type decodes to
// a structured V of string -> string|[]string; anything else, or a JSON
// payload that fails to parse, becomes Raw with the original content
// type. The second return reports a coercion error to be logged at warn
// level; it is never fatal.
func DecodeBody(body []byte, contentType string) (V, error) {
	switch {
	case IsJSONContentType(contentType):
		var native any
		if err := json.Unmarshal(body, &native); err != nil {
			return Raw(body, contentType), fmt.Errorf("%w: %v", ErrCoercion, err)
		}
		return FromNative(native), nil
	case IsFormContentType(contentType):
		return decodeForm(body), nil
	default:
		return Raw(body, contentType), nil
	}
}

// EncodeBody implements the symmetric write path: structured V encodes to
// JSON bytes under application/json; Raw passes its bytes through verbatim
// under its own content type; String defaults to text/plain unless
// preferredContentType already says otherwise.
func EncodeBody(v V, preferredContentType string) (bytes []byte, contentType string, err error) {
	switch v.Kind() {
	case KindRaw:
		b, ct, _ := v.Raw()
		return b, ct, nil
	case KindString:
		s, _ := v.String()
		ct := preferredContentType
		if ct == "" {
			ct = "text/plain"
		}
		return []byte(s), ct, nil
	default:
		if IsFormContentType(preferredContentType) && v.Kind() == KindObject {
			return EncodeForm(v), preferredContentType, nil
		}
		b, err := json.Marshal(v.Native())
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return b, "application/json", nil
	}
}

func decodeForm(body []byte) V {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Raw(body, "application/x-www-form-urlencoded")
	}
	fields := make(map[string]V, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			fields[k] = String(vs[0])
			continue
		}
		items := make([]V, len(vs))
		for i, s := range vs {
			items[i] = String(s)
		}
		fields[k] = Array(items)
	}
	return Object(fields)
}

// EncodeForm renders a structured V back to x-www-form-urlencoded bytes,
// the write-side half of the form supplement.
func EncodeForm(v V) []byte {
	fields, ok := v.Object()
	if !ok {
		return nil
	}
	q := url.Values{}
	for k, fv := range fields {
		switch fv.Kind() {
		case KindArray:
			items, _ := fv.Array()
			for _, item := range items {
				if s, ok := item.String(); ok {
					q.Add(k, s)
					continue
				}
				q.Add(k, nativeToHeaderString(item))
			}
		case KindString:
			s, _ := fv.String()
			q.Set(k, s)
		default:
			q.Set(k, nativeToHeaderString(fv))
		}
	}
	return []byte(q.Encode())
}

func trimFloat(n float64) string {
	return strconv.FormatFloat(n, 'g', -1, 64)
}
