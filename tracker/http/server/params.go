package httpTrackerServer

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/anacrolix/generics"

	trackerServer "github.com/privtracker/privtracker/tracker/server"
	"github.com/privtracker/privtracker/tracker/shared"
)

func badRequest(format string, args ...any) error {
	return &trackerServer.ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

func unmarshalQueryKeyToArray(key string, query url.Values) (ret [20]byte, err error) {
	str := query.Get(key)
	if len(str) != len(ret) {
		err = badRequest("%v has wrong length", key)
		return
	}
	copy(ret[:], str)
	return
}

func parseUint(key string, query url.Values, bitSize int) (uint64, error) {
	s := query.Get(key)
	if s == "" {
		return 0, badRequest("missing %v", key)
	}
	u, err := strconv.ParseUint(s, 10, bitSize)
	if err != nil {
		return 0, badRequest("invalid %v", key)
	}
	return u, nil
}

// Everything an announce query carries beyond the request proper.
type announceParams struct {
	trackerServer.AnnounceRequest
	Compact  bool
	NoPeerID bool
	// Unparseable values are ignored.
	IP string
}

func parseAnnounce(query url.Values, passkey string) (ret announceParams, err error) {
	if passkey == "" {
		passkey = query.Get("passkey")
	}
	if passkey == "" {
		err = badRequest("missing passkey")
		return
	}
	ret.Passkey = passkey
	ret.Event, err = shared.ParseAnnounceEvent(query.Get("event"))
	if err != nil {
		err = badRequest("%v", err)
		return
	}
	ret.InfoHash, err = unmarshalQueryKeyToArray("info_hash", query)
	if err != nil {
		return
	}
	ret.PeerID, err = unmarshalQueryKeyToArray("peer_id", query)
	if err != nil {
		return
	}
	port, err := parseUint("port", query, 16)
	if err != nil {
		return
	}
	if port == 0 {
		err = badRequest("invalid port")
		return
	}
	ret.Port = uint16(port)
	// Counters are stored signed.
	ret.Uploaded, err = parseUint("uploaded", query, 63)
	if err != nil {
		return
	}
	ret.Downloaded, err = parseUint("downloaded", query, 63)
	if err != nil {
		return
	}
	ret.Left, err = parseUint("left", query, 63)
	if err != nil {
		return
	}
	if s := query.Get("numwant"); s != "" {
		// Negative or junk values get the default.
		if n, err := strconv.ParseUint(s, 10, 32); err == nil {
			ret.NumWant = generics.Some(uint(n))
		}
	}
	ret.Compact = query.Get("compact") != "0"
	ret.NoPeerID = query.Has("no_peer_id")
	ret.IP = query.Get("ip")
	return
}
