package plist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf16"
)

const trailerSize = 32

// appleEpoch is the reference date of binary plist dates.
var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

var errCorrupt = errors.New("plist: corrupt binary property list")

type trailer struct {
	offsetSize  int
	refSize     int
	numObjects  uint64
	topObject   uint64
	offsetTable uint64
}

type binaryDecoder struct {
	data    []byte
	trailer trailer
	offsets []uint64
	// active guards against reference cycles.
	active map[uint64]bool
}

func decodeBinary(data []byte) (any, error) {
	if len(data) < len(binaryMagic)+trailerSize {
		return nil, errCorrupt
	}
	t := data[len(data)-trailerSize:]
	d := &binaryDecoder{
		data: data,
		trailer: trailer{
			offsetSize:  int(t[6]),
			refSize:     int(t[7]),
			numObjects:  binary.BigEndian.Uint64(t[8:]),
			topObject:   binary.BigEndian.Uint64(t[16:]),
			offsetTable: binary.BigEndian.Uint64(t[24:]),
		},
		active: map[uint64]bool{},
	}
	tr := d.trailer
	if !validIntSize(tr.offsetSize) || !validIntSize(tr.refSize) || tr.topObject >= tr.numObjects {
		return nil, errCorrupt
	}
	tableEnd := uint64(len(data) - trailerSize)
	if tr.offsetTable < uint64(len(binaryMagic)) || tr.offsetTable > tableEnd ||
		tr.numObjects > (tableEnd-tr.offsetTable)/uint64(tr.offsetSize) {
		return nil, errCorrupt
	}
	d.offsets = make([]uint64, tr.numObjects)
	for i := range d.offsets {
		at := tr.offsetTable + uint64(i*tr.offsetSize)
		off := readUint(data[at : at+uint64(tr.offsetSize)])
		if off < uint64(len(binaryMagic)) || off >= tr.offsetTable {
			return nil, errCorrupt
		}
		d.offsets[i] = off
	}
	return d.object(tr.topObject)
}

func validIntSize(n int) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// bytes returns n bytes at off, bounded by the offset table.
func (d *binaryDecoder) bytes(off, n uint64) ([]byte, error) {
	end := d.trailer.offsetTable
	if off > end || n > end-off {
		return nil, errCorrupt
	}
	return d.data[off : off+n], nil
}

func (d *binaryDecoder) object(ref uint64) (any, error) {
	if ref >= uint64(len(d.offsets)) {
		return nil, errCorrupt
	}
	if d.active[ref] {
		return nil, fmt.Errorf("%w: reference cycle", errCorrupt)
	}
	d.active[ref] = true
	defer delete(d.active, ref)

	off := d.offsets[ref]
	head, err := d.bytes(off, 1)
	if err != nil {
		return nil, err
	}
	kind, info := head[0]>>4, head[0]&0x0f
	off++

	switch kind {
	case 0x0:
		switch info {
		case 0x8:
			return false, nil
		case 0x9:
			return true, nil
		}
		return nil, fmt.Errorf("%w: marker %#02x", ErrUnsupported, head[0])
	case 0x1:
		b, err := d.bytes(off, 1<<info)
		if err != nil {
			return nil, err
		}
		return decodeInt(b)
	case 0x2:
		b, err := d.bytes(off, 1<<info)
		if err != nil {
			return nil, err
		}
		switch len(b) {
		case 4:
			return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
		case 8:
			return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
		}
		return nil, errCorrupt
	case 0x3:
		if info != 0x3 {
			return nil, errCorrupt
		}
		b, err := d.bytes(off, 8)
		if err != nil {
			return nil, err
		}
		secs := math.Float64frombits(binary.BigEndian.Uint64(b))
		return appleEpoch.Add(time.Duration(secs * float64(time.Second))), nil
	case 0x4:
		n, off, err := d.count(info, off)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(off, n)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case 0x5:
		n, off, err := d.count(info, off)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(off, n)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case 0x6:
		n, off, err := d.count(info, off)
		if err != nil {
			return nil, err
		}
		if n > math.MaxUint64/2 {
			return nil, errCorrupt
		}
		b, err := d.bytes(off, 2*n)
		if err != nil {
			return nil, err
		}
		units := make([]uint16, n)
		for i := range units {
			units[i] = binary.BigEndian.Uint16(b[2*i:])
		}
		return string(utf16.Decode(units)), nil
	case 0x8:
		b, err := d.bytes(off, uint64(info)+1)
		if err != nil {
			return nil, err
		}
		return UID(readUint(b)), nil
	case 0xa:
		n, off, err := d.count(info, off)
		if err != nil {
			return nil, err
		}
		refs, err := d.refs(off, n)
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for _, r := range refs {
			v, err := d.object(r)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case 0xd:
		n, off, err := d.count(info, off)
		if err != nil {
			return nil, err
		}
		if n > math.MaxUint64/2 {
			return nil, errCorrupt
		}
		refs, err := d.refs(off, 2*n)
		if err != nil {
			return nil, err
		}
		dict := NewDict()
		for i := uint64(0); i < n; i++ {
			k, err := d.object(refs[i])
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: dictionary key of type %T", errCorrupt, k)
			}
			v, err := d.object(refs[n+i])
			if err != nil {
				return nil, err
			}
			dict.Set(key, v)
		}
		return dict, nil
	}
	return nil, fmt.Errorf("%w: marker %#02x", ErrUnsupported, head[0])
}

func decodeInt(b []byte) (any, error) {
	switch len(b) {
	case 1, 2, 4:
		return int64(readUint(b)), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	case 16:
		v := binary.BigEndian.Uint64(b[8:])
		if v > math.MaxInt64 {
			return v, nil
		}
		return int64(v), nil
	}
	return nil, errCorrupt
}

// count reads the element count of a data, string or collection object whose
// marker carried info, returning the offset just past it.
func (d *binaryDecoder) count(info byte, off uint64) (uint64, uint64, error) {
	if info != 0x0f {
		return uint64(info), off, nil
	}
	head, err := d.bytes(off, 1)
	if err != nil {
		return 0, 0, err
	}
	if head[0]>>4 != 0x1 || head[0]&0x0f > 3 {
		return 0, 0, errCorrupt
	}
	size := uint64(1) << (head[0] & 0x0f)
	b, err := d.bytes(off+1, size)
	if err != nil {
		return 0, 0, err
	}
	return readUint(b), off + 1 + size, nil
}

func (d *binaryDecoder) refs(off, n uint64) ([]uint64, error) {
	size := uint64(d.trailer.refSize)
	if n > d.trailer.offsetTable/size {
		return nil, errCorrupt
	}
	b, err := d.bytes(off, n*size)
	if err != nil {
		return nil, err
	}
	refs := make([]uint64, n)
	for i := range refs {
		refs[i] = readUint(b[uint64(i)*size : uint64(i+1)*size])
	}
	return refs, nil
}

type binaryNode struct {
	val  any
	refs []int
}

type binaryEncoder struct {
	nodes []binaryNode
	depth int
}

const maxDepth = 512

func encodeBinary(v any) ([]byte, error) {
	e := &binaryEncoder{}
	if _, err := e.flatten(v); err != nil {
		return nil, err
	}

	refSize := sizeFor(uint64(len(e.nodes)))
	if refSize == 8 {
		return nil, fmt.Errorf("%w: too many objects", ErrUnsupported)
	}

	var buf bytes.Buffer
	buf.Write(binaryMagic)
	offsets := make([]uint64, len(e.nodes))
	for i, n := range e.nodes {
		offsets[i] = uint64(buf.Len())
		if err := writeObject(&buf, n, refSize); err != nil {
			return nil, err
		}
	}

	tableOffset := uint64(buf.Len())
	offsetSize := sizeFor(tableOffset)
	for _, off := range offsets {
		writeSized(&buf, off, offsetSize)
	}

	var t [trailerSize]byte
	t[6] = byte(offsetSize)
	t[7] = byte(refSize)
	binary.BigEndian.PutUint64(t[8:], uint64(len(e.nodes)))
	binary.BigEndian.PutUint64(t[16:], 0)
	binary.BigEndian.PutUint64(t[24:], tableOffset)
	buf.Write(t[:])
	return buf.Bytes(), nil
}

// flatten appends v and its children to the object list, returning v's index.
// Dictionary keys precede values, both in document order.
func (e *binaryEncoder) flatten(v any) (int, error) {
	v, err := normalize(v)
	if err != nil {
		return 0, err
	}
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxDepth {
		return 0, fmt.Errorf("%w: nesting too deep", ErrUnsupported)
	}

	idx := len(e.nodes)
	e.nodes = append(e.nodes, binaryNode{val: v})

	var refs []int
	switch t := v.(type) {
	case *Dict:
		refs = make([]int, 0, 2*t.Len())
		for _, k := range t.keys {
			r, err := e.flatten(k)
			if err != nil {
				return 0, err
			}
			refs = append(refs, r)
		}
		for _, k := range t.keys {
			r, err := e.flatten(t.vals[k])
			if err != nil {
				return 0, err
			}
			refs = append(refs, r)
		}
	case []any:
		refs = make([]int, 0, len(t))
		for _, elem := range t {
			r, err := e.flatten(elem)
			if err != nil {
				return 0, err
			}
			refs = append(refs, r)
		}
	}
	e.nodes[idx].refs = refs
	return idx, nil
}

func sizeFor(n uint64) int {
	switch {
	case n <= math.MaxUint8:
		return 1
	case n <= math.MaxUint16:
		return 2
	case n <= math.MaxUint32:
		return 4
	}
	return 8
}

func writeSized(buf *bytes.Buffer, v uint64, size int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[8-size:])
}

func writeHeader(buf *bytes.Buffer, kind byte, n int) {
	if n < 0x0f {
		buf.WriteByte(kind<<4 | byte(n))
		return
	}
	buf.WriteByte(kind<<4 | 0x0f)
	writeInt(buf, int64(n))
}

func writeInt(buf *bytes.Buffer, v int64) {
	if v < 0 {
		buf.WriteByte(0x13)
		writeSized(buf, uint64(v), 8)
		return
	}
	size := sizeFor(uint64(v))
	var exp byte
	switch size {
	case 2:
		exp = 1
	case 4:
		exp = 2
	case 8:
		exp = 3
	}
	buf.WriteByte(0x10 | exp)
	writeSized(buf, uint64(v), size)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func writeObject(buf *bytes.Buffer, n binaryNode, refSize int) error {
	switch t := n.val.(type) {
	case bool:
		if t {
			buf.WriteByte(0x09)
		} else {
			buf.WriteByte(0x08)
		}
	case int64:
		writeInt(buf, t)
	case uint64:
		if t <= math.MaxInt64 {
			writeInt(buf, int64(t))
			break
		}
		buf.WriteByte(0x14)
		writeSized(buf, 0, 8)
		writeSized(buf, t, 8)
	case float64:
		buf.WriteByte(0x23)
		writeSized(buf, math.Float64bits(t), 8)
	case time.Time:
		secs := t.Sub(appleEpoch).Seconds()
		buf.WriteByte(0x33)
		writeSized(buf, math.Float64bits(secs), 8)
	case []byte:
		writeHeader(buf, 0x4, len(t))
		buf.Write(t)
	case string:
		if isASCII(t) {
			writeHeader(buf, 0x5, len(t))
			buf.WriteString(t)
			break
		}
		units := utf16.Encode([]rune(t))
		writeHeader(buf, 0x6, len(units))
		for _, u := range units {
			writeSized(buf, uint64(u), 2)
		}
	case UID:
		size := sizeFor(uint64(t))
		buf.WriteByte(0x80 | byte(size-1))
		writeSized(buf, uint64(t), size)
	case []any:
		writeHeader(buf, 0xa, len(n.refs))
		for _, r := range n.refs {
			writeSized(buf, uint64(r), refSize)
		}
	case *Dict:
		writeHeader(buf, 0xd, len(n.refs)/2)
		for _, r := range n.refs {
			writeSized(buf, uint64(r), refSize)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, n.val)
	}
	return nil
}
