package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
)

//----------------------------------------------------------------------------
// Errors
//----------------------------------------------------------------------------

// In case if marshaler cannot encode a type in bencode, it will return this
// error. Typical example of such type is float32/float64 which has no bencode
// representation. Booleans are also refused, announce responses have no use for them.
type MarshalTypeError struct {
	Type reflect.Type
}

func (this *MarshalTypeError) Error() string {
	if this.Type == nil {
		return "bencode: unsupported nil value"
	}
	return "bencode: unsupported type: " + this.Type.String()
}

// Unmarshal argument must be a non-nil value of some pointer type.
type UnmarshalInvalidArgError struct {
	Type reflect.Type
}

func (e *UnmarshalInvalidArgError) Error() string {
	if e.Type == nil {
		return "bencode: Unmarshal(nil)"
	}

	if e.Type.Kind() != reflect.Ptr {
		return "bencode: Unmarshal(non-pointer " + e.Type.String() + ")"
	}
	return "bencode: Unmarshal(nil " + e.Type.String() + ")"
}

// Unmarshaler spotted a value that was not appropriate for a given specific Go
// value
type UnmarshalTypeError struct {
	Value string
	Type  reflect.Type
}

func (e *UnmarshalTypeError) Error() string {
	return "bencode: value (" + e.Value + ") is not appropriate for type: " +
		e.Type.String()
}

// Malformed input. This is the only error returned for bad wire data, so callers can map it to a
// protocol failure.
type SyntaxError struct {
	Offset int64  // location of the error
	what   string // error description
}

func (e *SyntaxError) Error() string {
	return "bencode: syntax error (offset: " +
		strconv.FormatInt(e.Offset, 10) +
		"): " + e.what
}

type MarshalerError struct {
	Type reflect.Type
	Err  error
}

func (e *MarshalerError) Error() string {
	return "bencode: error calling MarshalBencode for type " + e.Type.String() + ": " + e.Err.Error()
}

func (e *MarshalerError) Unwrap() error {
	return e.Err
}

// A complete value was decoded, but input remained.
type ErrUnusedTrailingBytes struct {
	NumUnusedBytes int
}

func (me ErrUnusedTrailingBytes) Error() string {
	return fmt.Sprintf("%d unused trailing bytes", me.NumUnusedBytes)
}

var ErrNoSuchKey = errors.New("bencode: no such key")

//----------------------------------------------------------------------------
// Interfaces
//----------------------------------------------------------------------------

// Types that produce their own bencoding. The returned bytes are written as is.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// Types that decode themselves from the exact bencoded bytes of a value.
type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}

//----------------------------------------------------------------------------
// Stateless interface
//----------------------------------------------------------------------------

func Marshal(v interface{}) ([]byte, error) {
	var e encoder
	err := e.encode(v)
	if err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func MustMarshal(v interface{}) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal decodes exactly one value from data into v. Trailing data is reported with
// ErrUnusedTrailingBytes after v has been assigned.
func Unmarshal(data []byte, v interface{}) (err error) {
	buf := bytes.NewReader(data)
	d := decoder{
		scanner:   scanner{r: buf},
		maxStrLen: int64(len(data)),
	}
	err = d.decode(v)
	if err == io.EOF {
		return &SyntaxError{Offset: 0, what: "empty input"}
	}
	if err != nil {
		return
	}
	if buf.Len() != 0 {
		return ErrUnusedTrailingBytes{buf.Len()}
	}
	return
}

//----------------------------------------------------------------------------
// Stateful interface
//----------------------------------------------------------------------------

const DefaultDecodeMaxStrLen = 1<<27 - 1

type Decoder struct {
	// Maximum length of a single byte string. Defaults to DefaultDecodeMaxStrLen.
	MaxStrLen int64
	// Number of bytes consumed from the underlying reader.
	Offset int64
	d      decoder
	init   bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{d: decoder{scanner: scanner{r: r}}}
}

// Decode reads the next value. It returns io.EOF when the input ends cleanly between values.
func (d *Decoder) Decode(v interface{}) error {
	d.d.maxStrLen = d.MaxStrLen
	if d.d.maxStrLen == 0 {
		d.d.maxStrLen = DefaultDecodeMaxStrLen
	}
	err := d.d.decode(v)
	d.Offset = d.d.offset
	return err
}

type Encoder struct {
	w io.Writer
	e encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes nothing if v can't be fully encoded.
func (e *Encoder) Encode(v interface{}) error {
	e.e.buf.Reset()
	err := e.e.encode(v)
	if err != nil {
		return err
	}
	_, err = e.w.Write(e.e.buf.Bytes())
	return err
}
