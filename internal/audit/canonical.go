package audit

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// CanonicalEncode serializes an entry into the deterministic byte sequence
// used as hash input. Two semantically equal entries always encode
// identically; entries differing in any covered field never collide.
//
// The encoding is type-tagged and length-prefixed, so it is injective
// without relying on field separators:
//
//	S<len>:<bytes>   string (UTF-8, byte length)
//	U<decimal>       unsigned integer
//	I<decimal>       signed integer
//	F<formatted>     finite float (strconv 'g', shortest round-trip)
//	B0 / B1          boolean
//	N                null
//	T<len>:<rfc3339> timestamp, UTC, RFC3339Nano
//	M<count>:        map, keys sorted bytewise, each key then value
//	A<count>:        array, elements in order
//
// Fields are written in a fixed order: id, tenant, seq, timestamp, actor
// id, actor role, action, resource, resource id, details, ip address,
// user agent, session id, prev hash. EntryHash is excluded by definition.
// SealedBatchID is excluded because it does not exist at append time and
// is stamped later by the sealer; covering it would break every sealed
// entry's hash.
func CanonicalEncode(e *Entry) ([]byte, error) {
	var b bytes.Buffer
	encodeString(&b, e.ID)
	encodeString(&b, e.TenantID)
	encodeUint(&b, e.Seq)
	encodeTime(&b, e.Timestamp)
	encodeString(&b, e.ActorID)
	encodeString(&b, string(e.ActorRole))
	encodeString(&b, e.Action)
	encodeString(&b, e.Resource)
	encodeString(&b, e.ResourceID)
	if err := encodeValue(&b, e.Details, "details"); err != nil {
		return nil, err
	}
	encodeString(&b, e.IPAddress)
	encodeString(&b, e.UserAgent)
	encodeString(&b, e.SessionID)
	encodeString(&b, e.PrevHash)
	return b.Bytes(), nil
}

func encodeString(b *bytes.Buffer, s string) {
	b.WriteByte('S')
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

func encodeUint(b *bytes.Buffer, v uint64) {
	b.WriteByte('U')
	b.WriteString(strconv.FormatUint(v, 10))
}

func encodeInt(b *bytes.Buffer, v int64) {
	b.WriteByte('I')
	b.WriteString(strconv.FormatInt(v, 10))
}

func encodeTime(b *bytes.Buffer, t time.Time) {
	s := t.UTC().Format(time.RFC3339Nano)
	b.WriteByte('T')
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

// encodeValue handles the open-ended Details payload. The path parameter
// names the offending field in encoding errors.
func encodeValue(b *bytes.Buffer, v any, path string) error {
	switch x := v.(type) {
	case nil:
		b.WriteByte('N')
	case string:
		encodeString(b, x)
	case bool:
		b.WriteByte('B')
		if x {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non-finite number at %s", ErrEncoding, path)
		}
		b.WriteByte('F')
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case float32:
		return encodeValue(b, float64(x), path)
	case int:
		encodeInt(b, int64(x))
	case int8:
		encodeInt(b, int64(x))
	case int16:
		encodeInt(b, int64(x))
	case int32:
		encodeInt(b, int64(x))
	case int64:
		encodeInt(b, x)
	case uint:
		encodeUint(b, uint64(x))
	case uint8:
		encodeUint(b, uint64(x))
	case uint16:
		encodeUint(b, uint64(x))
	case uint32:
		encodeUint(b, uint64(x))
	case uint64:
		encodeUint(b, x)
	case time.Time:
		encodeTime(b, x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('M')
		b.WriteString(strconv.Itoa(len(keys)))
		b.WriteByte(':')
		for _, k := range keys {
			encodeString(b, k)
			if err := encodeValue(b, x[k], path+"."+k); err != nil {
				return err
			}
		}
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = v
		}
		return encodeValue(b, m, path)
	case []any:
		b.WriteByte('A')
		b.WriteString(strconv.Itoa(len(x)))
		b.WriteByte(':')
		for i, el := range x {
			if err := encodeValue(b, el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case []string:
		arr := make([]any, len(x))
		for i, s := range x {
			arr[i] = s
		}
		return encodeValue(b, arr, path)
	default:
		return fmt.Errorf("%w: unsupported type %T at %s", ErrEncoding, v, path)
	}
	return nil
}
