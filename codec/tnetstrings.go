package codec

import (
	"bytes"
	"fmt"
	"strconv"
)

// TNetstrings implements Codec using the tagged-netstring format:
// "<len>:<payload><type>". Strings round-trip as raw bytes, which is why
// the message-bus wire uses this codec together with binary item exports.
type TNetstrings struct{}

func (TNetstrings) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := tnetEncode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (TNetstrings) Unmarshal(data []byte) (any, error) {
	v, rest, err := tnetDecode(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing bytes after tnetstring payload")
	}
	return v, nil
}

func tnetEncode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		writeFrame(buf, nil, '~')
	case bool:
		if val {
			writeFrame(buf, []byte("true"), '!')
		} else {
			writeFrame(buf, []byte("false"), '!')
		}
	case string:
		writeFrame(buf, []byte(val), ',')
	case []byte:
		writeFrame(buf, val, ',')
	case int:
		writeFrame(buf, strconv.AppendInt(nil, int64(val), 10), '#')
	case int32:
		writeFrame(buf, strconv.AppendInt(nil, int64(val), 10), '#')
	case int64:
		writeFrame(buf, strconv.AppendInt(nil, val, 10), '#')
	case uint64:
		writeFrame(buf, strconv.AppendUint(nil, val, 10), '#')
	case float32:
		writeFrame(buf, strconv.AppendFloat(nil, float64(val), 'f', -1, 32), '^')
	case float64:
		writeFrame(buf, strconv.AppendFloat(nil, val, 'f', -1, 64), '^')
	case []any:
		var inner bytes.Buffer
		for _, elem := range val {
			if err := tnetEncode(&inner, elem); err != nil {
				return err
			}
		}
		writeFrame(buf, inner.Bytes(), ']')
	case map[string]any:
		var inner bytes.Buffer
		for k, elem := range val {
			writeFrame(&inner, []byte(k), ',')
			if err := tnetEncode(&inner, elem); err != nil {
				return err
			}
		}
		writeFrame(buf, inner.Bytes(), '}')
	default:
		return fmt.Errorf("cannot encode type %T as tnetstring", v)
	}
	return nil
}

func writeFrame(buf *bytes.Buffer, payload []byte, kind byte) {
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteByte(':')
	buf.Write(payload)
	buf.WriteByte(kind)
}

// tnetDecode consumes one frame and returns the decoded value plus the
// unread remainder. Strings decode as []byte.
func tnetDecode(data []byte) (any, []byte, error) {
	sep := bytes.IndexByte(data, ':')
	if sep < 1 {
		return nil, nil, fmt.Errorf("malformed tnetstring: missing length prefix")
	}
	length, err := strconv.Atoi(string(data[:sep]))
	if err != nil || length < 0 {
		return nil, nil, fmt.Errorf("malformed tnetstring: bad length %q", data[:sep])
	}
	if len(data) < sep+1+length+1 {
		return nil, nil, fmt.Errorf("malformed tnetstring: truncated payload")
	}
	payload := data[sep+1 : sep+1+length]
	kind := data[sep+1+length]
	rest := data[sep+1+length+1:]

	switch kind {
	case ',':
		out := make([]byte, length)
		copy(out, payload)
		return out, rest, nil
	case '#':
		n, err := strconv.ParseInt(string(payload), 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed tnetstring integer: %w", err)
		}
		return n, rest, nil
	case '^':
		f, err := strconv.ParseFloat(string(payload), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed tnetstring float: %w", err)
		}
		return f, rest, nil
	case '!':
		switch string(payload) {
		case "true":
			return true, rest, nil
		case "false":
			return false, rest, nil
		}
		return nil, nil, fmt.Errorf("malformed tnetstring bool: %q", payload)
	case '~':
		if length != 0 {
			return nil, nil, fmt.Errorf("malformed tnetstring null: non-empty payload")
		}
		return nil, rest, nil
	case ']':
		var list []any
		for len(payload) > 0 {
			var elem any
			elem, payload, err = tnetDecode(payload)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, elem)
		}
		return list, rest, nil
	case '}':
		dict := make(map[string]any)
		for len(payload) > 0 {
			var key, value any
			key, payload, err = tnetDecode(payload)
			if err != nil {
				return nil, nil, err
			}
			keyBytes, ok := key.([]byte)
			if !ok {
				return nil, nil, fmt.Errorf("tnetstring dict key must be a string, got %T", key)
			}
			if len(payload) == 0 {
				return nil, nil, fmt.Errorf("tnetstring dict key %q has no value", keyBytes)
			}
			value, payload, err = tnetDecode(payload)
			if err != nil {
				return nil, nil, err
			}
			dict[string(keyBytes)] = value
		}
		return dict, rest, nil
	default:
		return nil, nil, fmt.Errorf("unknown tnetstring type %q", kind)
	}
}
