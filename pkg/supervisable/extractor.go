package supervisable

import (
	"encoding/json"
	"fmt"
)

// Extractor decodes the opaque business context of an end-event back into
// typed values, either wholesale or by top-level key.
type Extractor struct {
	ev    EndEvent
	codec Codec
}

// NewExtractor builds an Extractor; a nil codec uses encoding/json.
func NewExtractor(ev EndEvent, codec Codec) Extractor {
	if codec == nil {
		codec = DefaultEvents{}
	}
	return Extractor{ev: ev, codec: codec}
}

func (x Extractor) ContextType() string { return x.ev.ContextType }

func (x Extractor) HasContext() bool { return len(x.ev.Context) > 0 }

// Extract decodes the whole context into target.
func (x Extractor) Extract(target any) error {
	if !x.HasContext() {
		return ErrNoContext
	}
	return x.codec.BusinessObject(x.ev.Context, target)
}

// ExtractKey decodes the value stored under key in an object context.
func (x Extractor) ExtractKey(key string, target any) error {
	if !x.HasContext() {
		return ErrNoContext
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(x.ev.Context, &obj); err != nil {
		return fmt.Errorf("context of %s is not an object: %w", x.ev.JobName, err)
	}
	raw, ok := obj[key]
	if !ok {
		return fmt.Errorf("context key %q not found", key)
	}
	return x.codec.BusinessObject(raw, target)
}
