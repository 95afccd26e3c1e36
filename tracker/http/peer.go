package httpTracker

import (
	"fmt"
	"net/netip"

	"github.com/anacrolix/dht/v2/krpc"

	"github.com/privtracker/privtracker/bencode"
	"github.com/privtracker/privtracker/types"
)

type Peer struct {
	Addr netip.AddrPort
	ID   types.PeerID
}

func (p Peer) String() string {
	return fmt.Sprintf("%v at %v", p.ID, p.Addr)
}

func (p Peer) nodeAddr() krpc.NodeAddr {
	return krpc.NodeAddr{
		IP:   p.Addr.Addr().AsSlice(),
		Port: int(p.Addr.Port()),
	}
}

// The non-compact form in BEP 3.
func (p Peer) toDict(noPeerID bool) *bencode.Dict {
	d := bencode.NewDict()
	if !noPeerID {
		d.Set("peer id", string(p.ID[:]))
	}
	return d.Set("ip", p.Addr.Addr().String()).Set("port", int64(p.Addr.Port()))
}

// Set from the non-compact form in BEP 3.
func (p *Peer) fromDict(d *bencode.Dict) error {
	ipStr, _ := d.GetString("ip")
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return fmt.Errorf("parsing peer ip: %w", err)
	}
	port, _ := d.GetInt("port")
	p.Addr = netip.AddrPortFrom(addr.Unmap(), uint16(port))
	if id, ok := d.GetString("peer id"); ok {
		p.ID, _ = types.PeerIDFromBytes([]byte(id))
	}
	return nil
}

func fromNodeAddr(na krpc.NodeAddr) (p Peer, ok bool) {
	addr, ok := netip.AddrFromSlice(na.IP)
	if !ok {
		return
	}
	p.Addr = netip.AddrPortFrom(addr.Unmap(), uint16(na.Port))
	return
}

func compactPeers(peers []Peer, v6 bool) ([]byte, error) {
	cnas := make([]krpc.NodeAddr, 0, len(peers))
	for _, p := range peers {
		cnas = append(cnas, p.nodeAddr())
	}
	if v6 {
		return krpc.CompactIPv6NodeAddrs(cnas).MarshalBinary()
	}
	return krpc.CompactIPv4NodeAddrs(cnas).MarshalBinary()
}

// Splits peers by address family. IPv4-mapped IPv6 addresses count as IPv4.
func splitFamilies(peers []Peer) (v4, v6 []Peer) {
	for _, p := range peers {
		addr := p.Addr.Addr().Unmap()
		p.Addr = netip.AddrPortFrom(addr, p.Addr.Port())
		if addr.Is4() {
			v4 = append(v4, p)
		} else if addr.Is6() {
			v6 = append(v6, p)
		}
	}
	return
}
