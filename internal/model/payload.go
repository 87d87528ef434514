package model

import "strings"

// Payload is an opaque JSON document attached to a vector. Keys are
// caller-defined; the only key the core interprets is "file_path", used
// to maintain a collection's document-ID set.
type Payload map[string]any

// PayloadFilePathKey is the payload key a collection inspects to populate
// its document-ID set.
const PayloadFilePathKey = "file_path"

// Get returns the value at key and whether it was present.
func (p Payload) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p[key]
	return v, ok
}

// FilePath returns the "file_path" field, or "" if absent or not a string.
func (p Payload) FilePath() string {
	v, ok := p.Get(PayloadFilePathKey)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// NormalizeText rewrites CRLF/CR line endings to LF in every string-valued
// field of the payload, in place.
func (p Payload) NormalizeText() {
	for k, v := range p {
		if s, ok := v.(string); ok {
			p[k] = normalizeLineEndings(s)
		}
	}
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}
