package httpTracker

import (
	"fmt"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/generics"

	"github.com/privtracker/privtracker/bencode"
)

// A successful announce response. Keys are emitted in a fixed order, which some clients depend
// on.
type AnnounceResponse struct {
	Interval    int64
	MinInterval int64
	Complete    int64
	Incomplete  int64
	Downloaded  int64
	TrackerID   string
	Peers       []Peer
	// BEP 23. IPv6 peers go in peers6 (BEP 7).
	Compact bool
	// Omit peer ids from non-compact peer dicts.
	NoPeerID bool
}

func (me AnnounceResponse) Dict() (*bencode.Dict, error) {
	d := bencode.NewDict().
		Set("interval", me.Interval).
		Set("min interval", me.MinInterval).
		Set("complete", me.Complete).
		Set("incomplete", me.Incomplete).
		Set("downloaded", me.Downloaded).
		Set("tracker id", me.TrackerID).
		Set("peers count", int64(len(me.Peers)))
	if !me.Compact {
		list := make([]interface{}, 0, len(me.Peers))
		for _, p := range me.Peers {
			list = append(list, p.toDict(me.NoPeerID))
		}
		d.Set("peers", list)
		return d, nil
	}
	v4, v6 := splitFamilies(me.Peers)
	b, err := compactPeers(v4, false)
	if err != nil {
		return nil, fmt.Errorf("compacting ipv4 peers: %w", err)
	}
	d.Set("peers", b)
	if len(v6) != 0 {
		b, err = compactPeers(v6, true)
		if err != nil {
			return nil, fmt.Errorf("compacting ipv6 peers: %w", err)
		}
		d.Set("peers6", b)
	}
	return d, nil
}

func (me AnnounceResponse) MarshalBencode() ([]byte, error) {
	d, err := me.Dict()
	if err != nil {
		return nil, err
	}
	return bencode.Marshal(d)
}

type FailureResponse struct {
	Reason     string
	RetryAfter generics.Option[int64]
}

func (me FailureResponse) MarshalBencode() ([]byte, error) {
	d := bencode.NewDict().Set("failure reason", me.Reason)
	if me.RetryAfter.Ok {
		d.Set("retry after", me.RetryAfter.Value)
	}
	return bencode.Marshal(d)
}

var (
	_ bencode.Marshaler = AnnounceResponse{}
	_ bencode.Marshaler = FailureResponse{}
)

// The client's view of any announce response.
type HttpResponse struct {
	FailureReason string `bencode:"failure reason"`
	RetryAfter    int64  `bencode:"retry after"`
	Interval      int64  `bencode:"interval"`
	MinInterval   int64  `bencode:"min interval"`
	TrackerId     string `bencode:"tracker id"`
	Complete      int64  `bencode:"complete"`
	Incomplete    int64  `bencode:"incomplete"`
	Downloaded    int64  `bencode:"downloaded"`
	PeersCount    int64  `bencode:"peers count"`
	Peers         Peers  `bencode:"peers"`
	// BEP 7
	Peers6 Peers6 `bencode:"peers6"`
}

type Peers struct {
	List    []Peer
	Compact bool
}

var _ bencode.Unmarshaler = (*Peers)(nil)

func (me *Peers) UnmarshalBencode(b []byte) (err error) {
	var _v interface{}
	err = bencode.Unmarshal(b, &_v)
	if err != nil {
		return
	}
	switch v := _v.(type) {
	case string:
		var cnas krpc.CompactIPv4NodeAddrs
		err = cnas.UnmarshalBinary([]byte(v))
		if err != nil {
			return
		}
		me.Compact = true
		for _, cna := range cnas {
			if p, ok := fromNodeAddr(cna); ok {
				me.List = append(me.List, p)
			}
		}
		return
	case []interface{}:
		me.Compact = false
		for _, i := range v {
			d, ok := i.(*bencode.Dict)
			if !ok {
				return fmt.Errorf("unsupported peer type: %T", i)
			}
			var p Peer
			if err = p.fromDict(d); err != nil {
				return
			}
			me.List = append(me.List, p)
		}
		return
	default:
		return fmt.Errorf("unsupported peers type: %T", _v)
	}
}

type Peers6 []Peer

var _ bencode.Unmarshaler = (*Peers6)(nil)

func (me *Peers6) UnmarshalBencode(b []byte) error {
	var s string
	err := bencode.Unmarshal(b, &s)
	if err != nil {
		return err
	}
	var cnas krpc.CompactIPv6NodeAddrs
	err = cnas.UnmarshalBinary([]byte(s))
	if err != nil {
		return err
	}
	for _, cna := range cnas {
		if p, ok := fromNodeAddr(cna); ok {
			*me = append(*me, p)
		}
	}
	return nil
}
