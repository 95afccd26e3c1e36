package bencode

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strconv"
)

// Lists and dicts nested deeper than this are rejected.
const MaxNestingDepth = 64

// A parsed value with its span in the capture buffer.
type node struct {
	kind       byte // one of 'i', 's', 'l', 'd'
	start, end int
	i          int64
	s          string
	list       []node
	keys       []string
	vals       []node
}

func (n *node) describe() string {
	switch n.kind {
	case 'i':
		return "integer " + strconv.FormatInt(n.i, 10)
	case 's':
		return "string"
	case 'l':
		return "list"
	case 'd':
		return "dict"
	}
	panic(n.kind)
}

// Converts to the dynamic representation: int64, string, []interface{} and *Dict.
func (n *node) value() interface{} {
	switch n.kind {
	case 'i':
		return n.i
	case 's':
		return n.s
	case 'l':
		ret := make([]interface{}, 0, len(n.list))
		for i := range n.list {
			ret = append(ret, n.list[i].value())
		}
		return ret
	case 'd':
		d := NewDict()
		for i, k := range n.keys {
			d.Set(k, n.vals[i].value())
		}
		return d
	}
	panic(n.kind)
}

type decoder struct {
	scanner
	maxStrLen int64
	depth     int
}

func (d *decoder) syntaxError(offset int64, format string, args ...interface{}) error {
	return &SyntaxError{
		Offset: offset,
		what:   fmt.Sprintf(format, args...),
	}
}

// Like ReadByte, but the end of input is a syntax error.
func (d *decoder) readByte() (byte, error) {
	b, err := d.ReadByte()
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = d.syntaxError(d.offset, "unexpected EOF")
	}
	return b, err
}

func (d *decoder) decode(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &UnmarshalInvalidArgError{reflect.TypeOf(v)}
	}
	d.resetCapture()
	d.depth = 0
	// Clean EOF before any value is not an error condition for the caller to report as syntax.
	if _, err := d.ReadByte(); err != nil {
		return err
	}
	d.UnreadByte()
	n, err := d.parseValue()
	if err != nil {
		return err
	}
	if u, ok := v.(Unmarshaler); ok {
		return u.UnmarshalBencode(d.capture[n.start:n.end])
	}
	return d.assign(&n, rv.Elem())
}

func (d *decoder) parseValue() (n node, err error) {
	n.start = len(d.capture)
	off := d.offset
	c, err := d.readByte()
	if err != nil {
		return
	}
	switch {
	case c == 'i':
		n.kind = 'i'
		n.i, err = d.parseInt(off)
	case c >= '0' && c <= '9':
		d.UnreadByte()
		n.kind = 's'
		n.s, err = d.parseString()
	case c == 'l':
		n.kind = 'l'
		err = d.parseList(&n, off)
	case c == 'd':
		n.kind = 'd'
		err = d.parseDict(&n, off)
	default:
		err = d.syntaxError(off, "unexpected %q at start of value", c)
	}
	n.end = len(d.capture)
	return
}

// Reads digits (and an optional leading minus) up to the terminator.
func (d *decoder) readNumber(term byte, allowMinus bool) (digits []byte, err error) {
	for {
		var c byte
		c, err = d.readByte()
		if err != nil {
			return
		}
		if c == term {
			return
		}
		minus := c == '-' && allowMinus && len(digits) == 0
		if !minus && (c < '0' || c > '9') {
			err = d.syntaxError(d.offset-1, "unexpected %q in number", c)
			return
		}
		digits = append(digits, c)
		if len(digits) > 20 {
			err = d.syntaxError(d.offset-1, "number too long")
			return
		}
	}
}

func (d *decoder) parseInt(start int64) (int64, error) {
	digits, err := d.readNumber('e', true)
	if err != nil {
		return 0, err
	}
	s := string(digits)
	switch {
	case s == "" || s == "-":
		return 0, d.syntaxError(start, "empty integer")
	case s == "-0":
		return 0, d.syntaxError(start, "negative zero")
	case s[0] == '0' && len(s) > 1, len(s) > 2 && s[0] == '-' && s[1] == '0':
		return 0, d.syntaxError(start, "leading zero in integer %q", s)
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, d.syntaxError(start, "integer %q out of range", s)
	}
	return i, nil
}

func (d *decoder) parseString() (string, error) {
	start := d.offset
	digits, err := d.readNumber(':', false)
	if err != nil {
		return "", err
	}
	if len(digits) == 0 {
		return "", d.syntaxError(start, "empty string length")
	}
	if digits[0] == '0' && len(digits) > 1 {
		return "", d.syntaxError(start, "leading zero in string length")
	}
	length, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil || length > d.maxStrLen {
		return "", d.syntaxError(start, "string length %s exceeds limit %d", digits, d.maxStrLen)
	}
	b := make([]byte, length)
	n, err := io.ReadFull(&d.scanner, b)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return "", d.syntaxError(d.offset, "unexpected EOF after %d of %d string bytes", n, length)
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) enter(off int64) error {
	d.depth++
	if d.depth > MaxNestingDepth {
		return d.syntaxError(off, "nesting depth exceeds %d", MaxNestingDepth)
	}
	return nil
}

func (d *decoder) parseList(n *node, off int64) error {
	if err := d.enter(off); err != nil {
		return err
	}
	n.list = []node{}
	for {
		c, err := d.readByte()
		if err != nil {
			return err
		}
		if c == 'e' {
			break
		}
		d.UnreadByte()
		elem, err := d.parseValue()
		if err != nil {
			return err
		}
		n.list = append(n.list, elem)
	}
	d.depth--
	return nil
}

func (d *decoder) parseDict(n *node, off int64) error {
	if err := d.enter(off); err != nil {
		return err
	}
	for {
		c, err := d.readByte()
		if err != nil {
			return err
		}
		if c == 'e' {
			break
		}
		if c < '0' || c > '9' {
			return d.syntaxError(d.offset-1, "dict key must be a string, got %q", c)
		}
		d.UnreadByte()
		key, err := d.parseString()
		if err != nil {
			return err
		}
		val, err := d.parseValue()
		if err != nil {
			return err
		}
		n.keys = append(n.keys, key)
		n.vals = append(n.vals, val)
	}
	d.depth--
	return nil
}

func (d *decoder) typeError(n *node, t reflect.Type) error {
	return &UnmarshalTypeError{
		Value: n.describe(),
		Type:  t,
	}
}

func (d *decoder) assign(n *node, v reflect.Value) error {
	if v.Kind() != reflect.Ptr && v.CanAddr() {
		if u, ok := v.Addr().Interface().(Unmarshaler); ok {
			return u.UnmarshalBencode(d.capture[n.start:n.end])
		}
	}
	if v.Type() == dictType {
		if n.kind != 'd' {
			return d.typeError(n, v.Type())
		}
		v.Set(reflect.ValueOf(n.value()).Elem())
		return nil
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.NumMethod() != 0 {
			return d.typeError(n, v.Type())
		}
		v.Set(reflect.ValueOf(n.value()))
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return d.assign(n, v.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n.kind != 'i' || v.OverflowInt(n.i) {
			return d.typeError(n, v.Type())
		}
		v.SetInt(n.i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n.kind != 'i' || n.i < 0 || v.OverflowUint(uint64(n.i)) {
			return d.typeError(n, v.Type())
		}
		v.SetUint(uint64(n.i))
	case reflect.Bool:
		if n.kind != 'i' {
			return d.typeError(n, v.Type())
		}
		v.SetBool(n.i != 0)
	case reflect.String:
		if n.kind != 's' {
			return d.typeError(n, v.Type())
		}
		v.SetString(n.s)
	case reflect.Slice:
		if n.kind == 's' && v.Type().Elem().Kind() == reflect.Uint8 {
			v.SetBytes([]byte(n.s))
			return nil
		}
		if n.kind != 'l' {
			return d.typeError(n, v.Type())
		}
		s := reflect.MakeSlice(v.Type(), len(n.list), len(n.list))
		for i := range n.list {
			if err := d.assign(&n.list[i], s.Index(i)); err != nil {
				return err
			}
		}
		v.Set(s)
	case reflect.Array:
		if n.kind != 's' || v.Type().Elem().Kind() != reflect.Uint8 || len(n.s) != v.Len() {
			return d.typeError(n, v.Type())
		}
		reflect.Copy(v, reflect.ValueOf([]byte(n.s)))
	case reflect.Map:
		if n.kind != 'd' || v.Type().Key().Kind() != reflect.String {
			return d.typeError(n, v.Type())
		}
		if v.IsNil() {
			v.Set(reflect.MakeMapWithSize(v.Type(), len(n.keys)))
		}
		for i, k := range n.keys {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := d.assign(&n.vals[i], elem); err != nil {
				return err
			}
			v.SetMapIndex(reflect.ValueOf(k).Convert(v.Type().Key()), elem)
		}
	case reflect.Struct:
		if n.kind != 'd' {
			return d.typeError(n, v.Type())
		}
		fields := getStructFields(v.Type())
		for i, k := range n.keys {
			f, ok := fields.byKey[k]
			if !ok {
				continue
			}
			if err := d.assign(&n.vals[i], v.FieldByIndex(f.index)); err != nil {
				return err
			}
		}
	default:
		return d.typeError(n, v.Type())
	}
	return nil
}

// RawDictValue returns the exact wire bytes of the value for key in the top-level dictionary
// encoded in data. The info hash of a metainfo file is the SHA-1 of the bytes returned for "info".
func RawDictValue(data []byte, key string) (Bytes, error) {
	d := decoder{
		scanner:   scanner{r: bytes.NewReader(data)},
		maxStrLen: int64(len(data)),
	}
	n, err := d.parseValue()
	if err != nil {
		return nil, err
	}
	if n.end != len(data) {
		return nil, ErrUnusedTrailingBytes{len(data) - n.end}
	}
	if n.kind != 'd' {
		return nil, &UnmarshalTypeError{Value: n.describe(), Type: dictType}
	}
	for i, k := range n.keys {
		if k == key {
			v := n.vals[i]
			return Bytes(data[v.start:v.end]), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSuchKey, key)
}
