package bencode

import (
	"bytes"
	"errors"
	"reflect"
	"sort"
	"strconv"
)

var (
	marshalerType  = reflect.TypeOf((*Marshaler)(nil)).Elem()
	emptyIfaceType = reflect.TypeOf((*interface{})(nil)).Elem()
)

type encoder struct {
	buf     bytes.Buffer
	scratch [64]byte
}

func (e *encoder) encode(v interface{}) error {
	if v == nil {
		return &MarshalTypeError{}
	}
	return e.reflectValue(reflect.ValueOf(v))
}

func (e *encoder) writeString(s string) {
	e.buf.Write(strconv.AppendInt(e.scratch[:0], int64(len(s)), 10))
	e.buf.WriteByte(':')
	e.buf.WriteString(s)
}

func (e *encoder) writeBytes(b []byte) {
	e.buf.Write(strconv.AppendInt(e.scratch[:0], int64(len(b)), 10))
	e.buf.WriteByte(':')
	e.buf.Write(b)
}

func (e *encoder) writeInt(i int64) {
	e.buf.WriteByte('i')
	e.buf.Write(strconv.AppendInt(e.scratch[:0], i, 10))
	e.buf.WriteByte('e')
}

func (e *encoder) writeUint(i uint64) {
	e.buf.WriteByte('i')
	e.buf.Write(strconv.AppendUint(e.scratch[:0], i, 10))
	e.buf.WriteByte('e')
}

func (e *encoder) reflectMarshaler(v reflect.Value) (bool, error) {
	if !v.Type().Implements(marshalerType) {
		if v.Kind() != reflect.Ptr && v.CanAddr() && reflect.PointerTo(v.Type()).Implements(marshalerType) {
			v = v.Addr()
		} else {
			return false, nil
		}
	}
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return true, &MarshalTypeError{Type: v.Type()}
	}
	b, err := v.Interface().(Marshaler).MarshalBencode()
	if err == nil && len(b) == 0 {
		err = errors.New("empty value")
	}
	if err != nil {
		return true, &MarshalerError{v.Type(), err}
	}
	e.buf.Write(b)
	return true, nil
}

func (e *encoder) reflectValue(v reflect.Value) error {
	if ok, err := e.reflectMarshaler(v); ok {
		return err
	}
	if v.Type() == dictType {
		d := v.Interface().(Dict)
		return e.encodeDict(&d)
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.writeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.writeUint(v.Uint())
	case reflect.String:
		e.writeString(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.writeBytes(v.Bytes())
			return nil
		}
		return e.encodeList(v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			e.writeBytes(b)
			return nil
		}
		return e.encodeList(v)
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return &MarshalTypeError{Type: v.Type()}
		}
		return e.reflectValue(v.Elem())
	default:
		return &MarshalTypeError{Type: v.Type()}
	}
	return nil
}

func (e *encoder) encodeList(v reflect.Value) error {
	e.buf.WriteByte('l')
	for i := 0; i < v.Len(); i++ {
		if err := e.reflectValue(v.Index(i)); err != nil {
			return err
		}
	}
	e.buf.WriteByte('e')
	return nil
}

// Maps have no order, so keys are sorted as bencoding requires.
func (e *encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{Type: v.Type()}
	}
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	e.buf.WriteByte('d')
	for _, k := range keys {
		e.writeString(k)
		if err := e.reflectValue(v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
			return err
		}
	}
	e.buf.WriteByte('e')
	return nil
}

func (e *encoder) encodeStruct(v reflect.Value) error {
	fields := getStructFields(v.Type())
	e.buf.WriteByte('d')
	for _, f := range fields.sorted {
		fv := v.FieldByIndex(f.index)
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		e.writeString(f.key)
		if err := e.reflectValue(fv); err != nil {
			return err
		}
	}
	e.buf.WriteByte('e')
	return nil
}

// Insertion order is kept, so callers control the wire layout.
func (e *encoder) encodeDict(d *Dict) error {
	e.buf.WriteByte('d')
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		e.writeString(k)
		if v == nil {
			return &MarshalTypeError{Type: emptyIfaceType}
		}
		if err := e.reflectValue(reflect.ValueOf(v)); err != nil {
			return err
		}
	}
	e.buf.WriteByte('e')
	return nil
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}
