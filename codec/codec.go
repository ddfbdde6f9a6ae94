// Package codec provides the pluggable binary framing used on the
// message-bus wire. The default framing is tnetstrings, which preserves
// raw bytes exactly; a JSON codec is available for endpoints that speak
// text.
package codec

// Codec serializes transport mappings into wire frames and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}
