package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// KindInfo describes a registered resource kind
type KindInfo struct {
	Kind    string      // e.g. "Bridge"
	Plural  string      // path segment, e.g. "bridges"
	NewSpec func() Spec // returns a zero spec to decode into
}

var (
	kindsMu  sync.RWMutex
	kinds    = map[string]KindInfo{}
	byPlural = map[string]KindInfo{}
)

// RegisterKind makes a kind known to the decoder and the API. It panics on a
// duplicate registration.
func RegisterKind(info KindInfo) {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	if _, ok := kinds[info.Kind]; ok {
		panic(fmt.Sprintf("kind %q registered twice", info.Kind))
	}
	kinds[info.Kind] = info
	byPlural[info.Plural] = info
}

// LookupKind returns the registration for kind
func LookupKind(kind string) (KindInfo, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	info, ok := kinds[kind]
	return info, ok
}

// LookupPlural returns the registration for a plural path segment
func LookupPlural(plural string) (KindInfo, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	info, ok := byPlural[plural]
	return info, ok
}

// DecodeSpec decodes raw into the spec type registered for kind.
func DecodeSpec(kind string, raw []byte) (Spec, error) {
	info, ok := LookupKind(kind)
	if !ok {
		return nil, FieldErrors{{Field: "kind", Message: fmt.Sprintf("unknown kind %q", kind)}}
	}

	spec := info.NewSpec()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(spec); err != nil {
		return nil, FieldErrors{{Field: "spec", Message: err.Error()}}
	}
	return spec, nil
}
