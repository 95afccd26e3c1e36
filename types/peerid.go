package types

import (
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Peer client ID.
type PeerID [20]byte

var _ slog.LogValuer = PeerID{}

func (me PeerID) LogValue() slog.Value {
	return slog.StringValue(me.String())
}

// Pretty prints the ID as hex, except the client prefix that adheres to the Azureus-style
// convention of BEP 20.
func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

func (me PeerID) GoString() string {
	return fmt.Sprintf("%+q", me[:])
}

func PeerIDFromBytes(b []byte) (id PeerID, ok bool) {
	if len(b) != len(id) {
		return
	}
	copy(id[:], b)
	ok = true
	return
}
