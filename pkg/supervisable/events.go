package supervisable

import (
	"context"
	"encoding/json"
)

// Events receives ended Supervisables and provides the business-context codec.
//
// The codec is pluggable: ExtractContext turns a business object into an
// opaque JSON tree, BusinessObject decodes that tree back into target.
type Events interface {
	OnEnd(s *Supervisable, err error)
	ExtractContext(v any) (json.RawMessage, error)
	BusinessObject(raw json.RawMessage, target any) error
}

// DefaultEvents discards end notifications and uses encoding/json as codec.
// Embed it to override selectively.
type DefaultEvents struct{}

func (DefaultEvents) OnEnd(*Supervisable, error) {}

func (DefaultEvents) ExtractContext(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (DefaultEvents) BusinessObject(raw json.RawMessage, target any) error {
	return json.Unmarshal(raw, target)
}

// Consumer receives end-events from a Manager. Implementations must be safe for
// concurrent calls: events are delivered from many worker goroutines.
type Consumer interface {
	Consume(ev EndEvent)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ev EndEvent)

func (f ConsumerFunc) Consume(ev EndEvent) { f(ev) }

type ctxKey struct{}

// NewContext returns a context carrying s.
func NewContext(ctx context.Context, s *Supervisable) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the Supervisable carried by ctx, or nil.
func FromContext(ctx context.Context) *Supervisable {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ctxKey{}).(*Supervisable)
	return s
}
