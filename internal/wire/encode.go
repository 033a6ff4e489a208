package wire

import (
	"bytes"
	"sort"
	"strconv"
)

// kv is a single bencode dictionary entry used while building outgoing
// messages. Entries are sorted by key before encoding so the wire form is
// canonical bencode (BEP-3 requires dictionary keys in sorted order).
type kv struct {
	key   string
	value encodable
}

// encodable is anything Encode knows how to serialize.
type encodable interface {
	encodeTo(buf *bytes.Buffer)
}

// Str is a bencode byte string.
type Str []byte

func (s Str) encodeTo(buf *bytes.Buffer) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.Write(s)
}

// Int is a bencode integer.
type Int int64

func (n Int) encodeTo(buf *bytes.Buffer) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(int64(n), 10))
	buf.WriteByte('e')
}

// List is a bencode list.
type List []encodable

func (l List) encodeTo(buf *bytes.Buffer) {
	buf.WriteByte('l')
	for _, e := range l {
		e.encodeTo(buf)
	}
	buf.WriteByte('e')
}

// Dict is a bencode dictionary. Entries are added with Set and encoded in
// sorted-key order regardless of insertion order.
type Dict struct {
	entries []kv
}

func (d *Dict) Set(key string, value encodable) *Dict {
	d.entries = append(d.entries, kv{key: key, value: value})
	return d
}

func (d Dict) encodeTo(buf *bytes.Buffer) {
	sorted := make([]kv, len(d.entries))
	copy(sorted, d.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].key < sorted[j].key })

	buf.WriteByte('d')
	for _, e := range sorted {
		Str(e.key).encodeTo(buf)
		e.value.encodeTo(buf)
	}
	buf.WriteByte('e')
}

// Encode serializes any encodable value (typically a *Dict) to bytes.
func Encode(v encodable) []byte {
	var buf bytes.Buffer
	v.encodeTo(&buf)
	return buf.Bytes()
}
