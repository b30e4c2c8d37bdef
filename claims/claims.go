// Package claims reads values out of userinfo claim sets returned by an identity provider.
//
// Paths are dot separated ("address.locality"). Missing segments, non-object intermediates and
// non-string leaves all resolve to the empty string, which callers treat as "not present".
package claims

import (
	"encoding/base64"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultMetadataClaim is the reserved claim under which Zitadel places user metadata.
// Its values are Base64 encoded.
const DefaultMetadataClaim = "urn:zitadel:iam:user:metadata"

// Claims is the decoded JSON object returned by the userinfo endpoint.
type Claims map[string]any

// Lookup walks path through nested objects and returns the raw value found there.
func Lookup(c Claims, path string) (any, bool) {
	if len(c) == 0 || path == "" {
		return nil, false
	}
	var cur any = map[string]any(c)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Resolve returns the string value at path, or "" when absent or not a string.
func Resolve(c Claims, path string) string {
	v, ok := Lookup(c, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ResolveWithMetadata resolves name against the root claims first and then against the
// metadata object stored under metadataKey. Metadata values are Base64 decoded when they decode
// cleanly to text; otherwise the raw value is returned. ok is false when name was found nowhere.
func ResolveWithMetadata(c Claims, metadataKey, name string) (string, bool) {
	if v := Resolve(c, name); v != "" {
		return v, true
	}
	if metadataKey == "" {
		metadataKey = DefaultMetadataClaim
	}
	md, ok := asObject(c[metadataKey])
	if !ok {
		return "", false
	}
	raw, ok := md[name].(string)
	if !ok {
		return "", false
	}
	return DecodeValue(raw), true
}

// DecodeValue strictly Base64-decodes s. Anything that does not decode to valid UTF-8 text is
// returned unchanged.
func DecodeValue(s string) string {
	for _, enc := range []*base64.Encoding{base64.StdEncoding.Strict(), base64.RawStdEncoding.Strict()} {
		b, err := enc.DecodeString(s)
		if err == nil && utf8.Valid(b) {
			return string(b)
		}
	}
	return s
}

// Metadata returns every string entry of the metadata object, decoded with DecodeValue.
func Metadata(c Claims, metadataKey string) map[string]string {
	if metadataKey == "" {
		metadataKey = DefaultMetadataClaim
	}
	md, ok := asObject(c[metadataKey])
	if !ok {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if s, ok := v.(string); ok {
			out[k] = DecodeValue(s)
		}
	}
	return out
}

// Names flattens c into the sorted list of dot paths that lead to scalar or list values.
// Keys that themselves contain a dot are skipped since Resolve could not address them.
func Names(c Claims) []string {
	var out []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if strings.Contains(k, ".") {
				continue
			}
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if child, ok := asObject(v); ok && len(child) > 0 {
				walk(p, child)
				continue
			}
			out = append(out, p)
		}
	}
	walk("", c)
	sort.Strings(out)
	return out
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Claims:
		return m, true
	}
	return nil, false
}
