package bencode

import (
	"errors"
	"io"
)

// Implements io.ByteScanner over io.Reader, for use in Decoder, to ensure that as little as the
// undecoded input Reader is consumed as possible. Everything read for the current value is kept
// so that raw spans can be handed to Unmarshalers.
type scanner struct {
	r       io.Reader
	b       [1]byte // Buffer for ReadByte
	unread  bool    // True if b has been unread, and so should be returned next
	offset  int64
	capture []byte
}

var errAlreadyUnreadByte = errors.New("byte already unread")

func (me *scanner) ReadByte() (byte, error) {
	if !me.unread {
		if n, err := io.ReadFull(me.r, me.b[:]); n != 1 {
			return 0, err
		}
	}
	me.unread = false
	me.capture = append(me.capture, me.b[0])
	me.offset++
	return me.b[0], nil
}

// Only valid directly after ReadByte.
func (me *scanner) UnreadByte() (ret error) {
	if me.unread {
		return errAlreadyUnreadByte
	}
	me.unread = true
	me.capture = me.capture[:len(me.capture)-1]
	me.offset--
	return
}

func (me *scanner) Read(b []byte) (n int, err error) {
	if len(b) == 0 {
		return
	}
	if me.unread {
		b[0] = me.b[0]
		me.unread = false
		n = 1
	} else {
		n, err = me.r.Read(b)
	}
	me.capture = append(me.capture, b[:n]...)
	me.offset += int64(n)
	return
}

func (me *scanner) resetCapture() {
	me.capture = me.capture[:0]
}
