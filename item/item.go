// Package item provides the unit of publication: a container of one or
// more named formats plus optional id, previous id, and user metadata.
//
// An exported item is a transport-neutral mapping. HTTP endpoints consume
// the text export with formats inlined at the top level; the message-bus
// codec consumes the binary export with formats grouped under a "formats"
// key and all strings coerced to raw bytes.
package item

import (
	"errors"
	"fmt"
)

// ErrDuplicateFormat indicates that an item holds more than one format
// with the same name.
var ErrDuplicateFormat = errors.New("duplicate format name")

// Format is a named serializer producing a format-specific mapping.
// Implementations are application-defined; examples include a JSON object
// format or an HTTP stream format.
type Format interface {
	// Name returns the format identifier, e.g. "json-object".
	Name() string

	// Export returns the format-specific data. Mappings and slices may be
	// nested; string values are normalized by the item export modes.
	Export() any
}

// Item is a container of formats published to one channel at a time.
// ID and PrevID are opaque chain pointers carried through unmodified.
type Item struct {
	ID      string
	PrevID  string
	Formats []Format
	Meta    map[string]string
}

// Option configures an Item at construction.
type Option func(*Item)

// WithID sets the item id.
func WithID(id string) Option {
	return func(it *Item) {
		it.ID = id
	}
}

// WithPrevID sets the previous item id.
func WithPrevID(prevID string) Option {
	return func(it *Item) {
		it.PrevID = prevID
	}
}

// WithMeta sets the user metadata mapping.
func WithMeta(meta map[string]string) Option {
	return func(it *Item) {
		it.Meta = meta
	}
}

// New creates an Item holding the given formats.
func New(formats []Format, opts ...Option) *Item {
	it := &Item{Formats: formats}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Export serializes the item into a mapping. If formatsField is set the
// formats are grouped under a "formats" key, otherwise each format is
// inlined at the top level. If binary is set every string value in the
// result is coerced to raw bytes, while map keys stay Go strings;
// otherwise byte slices are decoded to strings.
//
// Two formats sharing a name fail with ErrDuplicateFormat.
func (it *Item) Export(formatsField, binary bool) (map[string]any, error) {
	seen := make(map[string]bool, len(it.Formats))
	for _, f := range it.Formats {
		if seen[f.Name()] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFormat, f.Name())
		}
		seen[f.Name()] = true
	}

	out := make(map[string]any)
	if it.ID != "" {
		out["id"] = it.ID
	}
	if it.PrevID != "" {
		out["prev-id"] = it.PrevID
	}
	if len(it.Meta) > 0 {
		meta := make(map[string]any, len(it.Meta))
		for k, v := range it.Meta {
			meta[k] = v
		}
		out["meta"] = meta
	}

	if formatsField {
		formats := make(map[string]any, len(it.Formats))
		for _, f := range it.Formats {
			formats[f.Name()] = f.Export()
		}
		out["formats"] = formats
	} else {
		for _, f := range it.Formats {
			out[f.Name()] = f.Export()
		}
	}

	if binary {
		return toBinary(out).(map[string]any), nil
	}
	return toText(out).(map[string]any), nil
}

// toBinary recursively coerces string values to byte slices. Map keys stay
// Go strings (Go map keys cannot be byte slices); the wire codec emits
// keys as raw bytes.
func toBinary(v any) any {
	switch val := v.(type) {
	case string:
		return []byte(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toBinary(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toBinary(item)
		}
		return out
	default:
		return v
	}
}

// toText recursively decodes byte slices to strings.
func toText(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toText(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toText(item)
		}
		return out
	default:
		return v
	}
}
