package codec

import (
	"encoding/json"
	"fmt"
)

// JSON implements Codec with standard JSON encoding. Byte-slice values are
// not preserved exactly (encoding/json base64-encodes them); use
// TNetstrings for binary item exports.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal JSON frame: %w", err)
	}
	return data, nil
}

func (JSON) Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("cannot unmarshal JSON frame: %w", err)
	}
	return v, nil
}
