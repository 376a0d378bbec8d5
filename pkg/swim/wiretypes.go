package swim

// Generic on-wire value coercions. MessagePack decodes an
// integer-keyed map held in an interface{} slot as
// map[interface{}]interface{} rather than map[int]interface{}, and
// integers of unknown width as whichever signed/unsigned Go type best
// fits the encoded value; these helpers normalize both before the
// typed wire.go accessors use them.

func asIntMap(v interface{}) (map[int]interface{}, bool) {
	switch m := v.(type) {
	case map[int]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[int]interface{}, len(m))
		for k, val := range m {
			ik, ok := asInt(k)
			if !ok {
				return nil, false
			}
			out[ik] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

func asUint32(v interface{}) (uint32, bool) {
	u, ok := asUint64(v)
	return uint32(u), ok
}

func asUint16(v interface{}) (uint16, bool) {
	u, ok := asUint64(v)
	return uint16(u), ok
}

func asBytes(v interface{}) ([]byte, bool) {
	b, ok := v.([]byte)
	return b, ok
}
