package httpTracker

import (
	"net/netip"
	"testing"

	"github.com/anacrolix/generics"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privtracker/privtracker/bencode"
	"github.com/privtracker/privtracker/types"
)

func testPeerID(s string) (ret types.PeerID) {
	copy(ret[:], s)
	return
}

func TestAnnounceResponseKeyOrder(t *testing.T) {
	b, err := bencode.Marshal(AnnounceResponse{
		Interval:    900,
		MinInterval: 300,
		Complete:    1,
		Incomplete:  2,
		Downloaded:  3,
		TrackerID:   "privtracker",
		Compact:     true,
	})
	require.NoError(t, err)
	qt.Assert(t, qt.Equals(string(b), "d"+
		"8:intervali900e"+
		"12:min intervali300e"+
		"8:completei1e"+
		"10:incompletei2e"+
		"10:downloadedi3e"+
		"10:tracker id11:privtracker"+
		"11:peers counti0e"+
		"5:peers0:"+
		"e"))
}

func TestCompactIPv4RoundTrip(t *testing.T) {
	peers := []Peer{
		{Addr: netip.MustParseAddrPort("1.2.3.4:6881")},
		{Addr: netip.MustParseAddrPort("[::ffff:10.0.0.1]:51413")},
		{Addr: netip.MustParseAddrPort("[2001:db8::1]:6882")},
	}
	b, err := bencode.Marshal(AnnounceResponse{Peers: peers, Compact: true})
	require.NoError(t, err)
	var d *bencode.Dict
	require.NoError(t, bencode.Unmarshal(b, &d))
	compact4, ok := d.GetString("peers")
	require.True(t, ok)
	assert.Equal(t, "\x01\x02\x03\x04\x1a\xe1\x0a\x00\x00\x01\xc8\xd5", compact4)
	compact6, ok := d.GetString("peers6")
	require.True(t, ok)
	assert.Len(t, compact6, 18)
	count, _ := d.GetInt("peers count")
	assert.EqualValues(t, 3, count)

	var hr HttpResponse
	require.NoError(t, bencode.Unmarshal(b, &hr))
	require.True(t, hr.Peers.Compact)
	require.Len(t, hr.Peers.List, 2)
	assert.Equal(t, netip.MustParseAddrPort("1.2.3.4:6881"), hr.Peers.List[0].Addr)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:51413"), hr.Peers.List[1].Addr)
	require.Len(t, hr.Peers6, 1)
	assert.Equal(t, netip.MustParseAddrPort("[2001:db8::1]:6882"), hr.Peers6[0].Addr)
}

func TestNoPeers6WithoutIPv6Peers(t *testing.T) {
	b, err := bencode.Marshal(AnnounceResponse{
		Peers:   []Peer{{Addr: netip.MustParseAddrPort("1.2.3.4:1")}},
		Compact: true,
	})
	require.NoError(t, err)
	var d *bencode.Dict
	require.NoError(t, bencode.Unmarshal(b, &d))
	_, ok := d.Get("peers6")
	assert.False(t, ok)
}

func TestDictPeers(t *testing.T) {
	peers := []Peer{
		{Addr: netip.MustParseAddrPort("1.2.3.4:9999"), ID: testPeerID("thisisthe20bytepeeri")},
		{Addr: netip.MustParseAddrPort("[2001:db8:85a3::8a2e:370:7334]:9998"), ID: testPeerID("another")},
	}
	b, err := bencode.Marshal(AnnounceResponse{Peers: peers})
	require.NoError(t, err)
	var hr HttpResponse
	require.NoError(t, bencode.Unmarshal(b, &hr))
	assert.False(t, hr.Peers.Compact)
	require.Len(t, hr.Peers.List, 2)
	assert.Equal(t, peers, hr.Peers.List)
	assert.Empty(t, hr.Peers6)

	b, err = bencode.Marshal(AnnounceResponse{Peers: peers, NoPeerID: true})
	require.NoError(t, err)
	hr = HttpResponse{}
	require.NoError(t, bencode.Unmarshal(b, &hr))
	assert.True(t, hr.Peers.List[0].ID == types.PeerID{})
}

func TestUnmarshalHTTPResponsePeerDicts(t *testing.T) {
	var hr HttpResponse
	require.NoError(t, bencode.Unmarshal(
		[]byte("d5:peersl"+
			"d2:ip7:1.2.3.47:peer id20:thisisthe20bytepeeri4:porti9999ee"+
			"d2:ip39:2001:0db8:85a3:0000:0000:8a2e:0370:73347:peer id20:thisisthe20bytepeeri4:porti9998ee"+
			"e"+
			"6:peers618:123412341234123456"+
			"e"),
		&hr))
	require.Len(t, hr.Peers.List, 2)
	assert.Equal(t, testPeerID("thisisthe20bytepeeri"), hr.Peers.List[0].ID)
	assert.EqualValues(t, 9999, hr.Peers.List[0].Addr.Port())
	assert.EqualValues(t, 9998, hr.Peers.List[1].Addr.Port())
	require.Len(t, hr.Peers6, 1)
	assert.EqualValues(t, 0x3536, hr.Peers6[0].Addr.Port())
}

func TestFailureResponse(t *testing.T) {
	b, err := bencode.Marshal(FailureResponse{Reason: "rate limited"})
	require.NoError(t, err)
	assert.Equal(t, "d14:failure reason12:rate limitede", string(b))
	b, err = bencode.Marshal(FailureResponse{Reason: "slow down", RetryAfter: generics.Some[int64](200)})
	require.NoError(t, err)
	assert.Equal(t, "d14:failure reason9:slow down11:retry afteri200ee", string(b))
	var hr HttpResponse
	require.NoError(t, bencode.Unmarshal(b, &hr))
	assert.EqualValues(t, 200, hr.RetryAfter)
}

func TestScrapeResponse(t *testing.T) {
	b, err := bencode.Marshal(ScrapeResponse{})
	require.NoError(t, err)
	assert.Equal(t, "d5:filesdee", string(b))

	ih := types.InfoHashFromInfoBytes([]byte("d4:name1:ae"))
	var sr ScrapeResponse
	sr.Add(ih, ScrapeFile{Complete: 3, Downloaded: 7, Incomplete: 1})
	b, err = bencode.Marshal(sr)
	require.NoError(t, err)
	var decoded ScrapeResponse
	require.NoError(t, bencode.Unmarshal(b, &decoded))
	f, ok := decoded.File(ih)
	require.True(t, ok)
	assert.Equal(t, ScrapeFile{Complete: 3, Downloaded: 7, Incomplete: 1}, f)
}
