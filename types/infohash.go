package types

import (
	"crypto/sha1"
	"encoding"
	"encoding/hex"
	"fmt"
)

// SHA-1 of a torrent's bencoded info dictionary.
type InfoHash [sha1.Size]byte

var (
	_ encoding.TextMarshaler   = InfoHash{}
	_ encoding.TextUnmarshaler = (*InfoHash)(nil)
)

func (me InfoHash) HexString() string {
	return hex.EncodeToString(me[:])
}

func (me InfoHash) String() string {
	return me.HexString()
}

// The raw 20 bytes, as used for keys in scrape responses.
func (me InfoHash) AsString() string {
	return string(me[:])
}

func (me InfoHash) IsZero() bool {
	return me == InfoHash{}
}

func (me InfoHash) MarshalText() ([]byte, error) {
	return []byte(me.HexString()), nil
}

func (me *InfoHash) UnmarshalText(b []byte) error {
	ih, err := ParseInfoHash(string(b))
	if err != nil {
		return err
	}
	*me = ih
	return nil
}

// Parses the 40 character hex form.
func ParseInfoHash(s string) (ih InfoHash, err error) {
	if len(s) != hex.EncodedLen(len(ih)) {
		err = fmt.Errorf("info hash hex has length %d", len(s))
		return
	}
	_, err = hex.Decode(ih[:], []byte(s))
	return
}

// Copies a raw wire value, such as the info_hash announce parameter.
func InfoHashFromBytes(b []byte) (ih InfoHash, ok bool) {
	if len(b) != len(ih) {
		return
	}
	copy(ih[:], b)
	return ih, true
}

// The info hash of a torrent given the exact wire bytes of its info dictionary.
func InfoHashFromInfoBytes(info []byte) InfoHash {
	return sha1.Sum(info)
}
