package httpTrackerServer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/log"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privtracker/privtracker/bencode"
	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/storage"
	"github.com/privtracker/privtracker/swarm"
	httpTracker "github.com/privtracker/privtracker/tracker/http"
	trackerServer "github.com/privtracker/privtracker/tracker/server"
	"github.com/privtracker/privtracker/types"
)

type testTracker struct {
	router   http.Handler
	store    storage.Store
	announce *trackerServer.AnnounceHandler
	torrent  types.Torrent
	user     types.User
	now      time.Time
}

func newTestTracker(t *testing.T, configure func(*config.Settings), opts RouterOpts) *testTracker {
	settings := config.Default()
	settings.RateLimitEnabled = false
	if configure != nil {
		configure(settings)
	}
	store, err := storage.NewBolt(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tt := &testTracker{
		store: store,
		now:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	reg := swarm.New()
	reg.Now = func() time.Time { return tt.now }
	tt.announce = trackerServer.NewAnnounceHandler(store, settings, reg)
	tt.announce.Now = reg.Now
	tt.announce.Metrics = trackerServer.NewMetrics(reg.Collector())
	if opts.Metrics == nil {
		opts.Metrics = tt.announce.Metrics.Registry
	}
	tt.router = NewRouter(NewHandler(tt.announce), opts)
	ctx := context.Background()
	tt.user, err = store.AddUser(ctx, "alice", "alicekey")
	require.NoError(t, err)
	tt.torrent, err = store.AddTorrent(ctx, types.InfoHashFromInfoBytes([]byte("d4:name1:xe")), "x", 1<<20)
	require.NoError(t, err)
	return tt
}

func peerID(s string) (ret types.PeerID) {
	copy(ret[:], s)
	return
}

func (tt *testTracker) announceQuery(peer string, left string) url.Values {
	pid := peerID(peer)
	return url.Values{
		"info_hash":  {tt.torrent.InfoHash.AsString()},
		"peer_id":    {string(pid[:])},
		"port":       {"6881"},
		"uploaded":   {"0"},
		"downloaded": {"0"},
		"left":       {left},
	}
}

func (tt *testTracker) get(path string, query url.Values, remote string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path+"?"+query.Encode(), nil)
	if remote != "" {
		r.RemoteAddr = remote
	}
	w := httptest.NewRecorder()
	tt.router.ServeHTTP(w, r)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) (hr httpTracker.HttpResponse) {
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	require.NoError(t, bencode.Unmarshal(w.Body.Bytes(), &hr), "%q", w.Body.String())
	return
}

func TestAnnounceStarted(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{})
	q := tt.announceQuery("alice-1", "100")
	q.Set("event", "started")
	w := tt.get("/announce/alicekey", q, "10.0.0.1:5555")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(w.Body.String(), "d8:intervali900e12:min intervali300e8:completei0e10:incompletei1e"))
	hr := decodeResponse(t, w)
	assert.EqualValues(t, 900, hr.Interval)
	assert.EqualValues(t, 300, hr.MinInterval)
	assert.EqualValues(t, 1, hr.Incomplete)
	assert.EqualValues(t, 0, hr.PeersCount)
	assert.Equal(t, "privtracker", hr.TrackerId)
	assert.True(t, hr.Peers.Compact)
	assert.Empty(t, hr.Peers.List)

	p, ok := tt.announce.Swarm.Get(tt.torrent.ID, peerID("alice-1"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:6881"), p.Addr)
}

func TestAnnouncePeersAndOverrides(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{})
	seed := tt.announceQuery("seeder", "0")
	seed.Set("passkey", "alicekey")
	seed.Set("ip", "not an ip")
	require.Equal(t, http.StatusOK, tt.get("/announce", seed, "10.0.0.2:1").Code)
	tt.now = tt.now.Add(time.Second)
	v6 := tt.announceQuery("seeder6", "0")
	v6.Set("ip", "2001:db8::7")
	require.Equal(t, http.StatusOK, tt.get("/announce/alicekey", v6, "10.0.0.3:1").Code)

	leech := tt.announceQuery("leecher", "10")
	w := tt.get("/announce/alicekey", leech, "10.0.0.1:1")
	require.Equal(t, http.StatusOK, w.Code)
	hr := decodeResponse(t, w)
	assert.EqualValues(t, 2, hr.Complete)
	assert.EqualValues(t, 2, hr.PeersCount)
	require.Len(t, hr.Peers.List, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:6881"), hr.Peers.List[0].Addr)
	require.Len(t, hr.Peers6, 1)
	assert.Equal(t, netip.MustParseAddrPort("[2001:db8::7]:6881"), hr.Peers6[0].Addr)

	leech.Set("compact", "0")
	leech.Set("numwant", "1")
	w = tt.get("/announce/alicekey", leech, "10.0.0.1:1")
	require.Equal(t, http.StatusOK, w.Code)
	hr = decodeResponse(t, w)
	assert.False(t, hr.Peers.Compact)
	require.Len(t, hr.Peers.List, 1)
	assert.Equal(t, peerID("seeder6"), hr.Peers.List[0].ID)
	assert.Empty(t, hr.Peers6)
}

func TestAnnounceFailures(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{})
	for _, tc := range []struct {
		name   string
		path   string
		modify func(url.Values)
		status int
		reason string
	}{
		{"NoPasskey", "/announce", func(url.Values) {}, http.StatusBadRequest, "missing passkey"},
		{"MissingPort", "/announce/alicekey", func(q url.Values) { q.Del("port") }, http.StatusBadRequest, "missing port"},
		{"BadLeft", "/announce/alicekey", func(q url.Values) { q.Set("left", "-1") }, http.StatusBadRequest, "invalid left"},
		{"UploadedPastInt64", "/announce/alicekey", func(q url.Values) { q.Set("uploaded", "9223372036854775808") }, http.StatusBadRequest, "invalid uploaded"},
		{"DownloadedPastInt64", "/announce/alicekey", func(q url.Values) { q.Set("downloaded", "18446744073709551615") }, http.StatusBadRequest, "invalid downloaded"},
		{"ShortInfoHash", "/announce/alicekey", func(q url.Values) { q.Set("info_hash", "abc") }, http.StatusBadRequest, "info_hash has wrong length"},
		{"BadEvent", "/announce/alicekey", func(q url.Values) { q.Set("event", "exploded") }, http.StatusBadRequest, ""},
		{"UnknownPasskey", "/announce/nobody", func(url.Values) {}, http.StatusForbidden, "unregistered passkey"},
		{"UnknownTorrent", "/announce/alicekey", func(q url.Values) { q.Set("info_hash", strings.Repeat("z", 20)) }, http.StatusNotFound, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q := tt.announceQuery("p", "0")
			tc.modify(q)
			w := tt.get(tc.path, q, "")
			assert.Equal(t, tc.status, w.Code)
			hr := decodeResponse(t, w)
			assert.NotEmpty(t, hr.FailureReason)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, hr.FailureReason)
			}
		})
	}
}

func TestAnnounceUnknownRequester(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{})
	h := NewHandler(tt.announce)
	h.RequestHost = func(*http.Request) (netip.Addr, error) {
		return netip.Addr{}, errors.New("no address")
	}
	tt.router = NewRouter(h, RouterOpts{})
	w := tt.get("/announce/alicekey", tt.announceQuery("p", "0"), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	hr := decodeResponse(t, w)
	assert.NotEmpty(t, hr.FailureReason)
	assert.NotContains(t, hr.FailureReason, "no address")
}

func TestAnnounceRateLimited(t *testing.T) {
	tt := newTestTracker(t, func(s *config.Settings) { s.RateLimitEnabled = true }, RouterOpts{})
	q := tt.announceQuery("p", "5")
	require.Equal(t, http.StatusOK, tt.get("/announce/alicekey", q, "").Code)
	tt.now = tt.now.Add(time.Minute)
	w := tt.get("/announce/alicekey", q, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "240", w.Header().Get("Retry-After"))
	hr := decodeResponse(t, w)
	assert.EqualValues(t, 240, hr.RetryAfter)
}

func TestAnnounceBonus(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{})
	q := tt.announceQuery("p", "0")
	q.Set("uploaded", "2000000")
	require.Equal(t, http.StatusOK, tt.get("/announce/alicekey", q, "").Code)
	points, err := tt.store.BonusPoints(context.Background(), tt.user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, points)
}

func TestScrape(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{})
	require.Equal(t, http.StatusOK, tt.get("/announce/alicekey", tt.announceQuery("p", "0"), "").Code)
	q := url.Values{"info_hash": {tt.torrent.InfoHash.AsString(), strings.Repeat("y", 20)}}
	w := tt.get("/scrape/alicekey", q, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sr httpTracker.ScrapeResponse
	require.NoError(t, bencode.Unmarshal(w.Body.Bytes(), &sr))
	qt.Assert(t, qt.HasLen(sr.Files, 1))
	f, ok := sr.File(tt.torrent.InfoHash)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(f, httpTracker.ScrapeFile{Complete: 1, Downloaded: 1}))

	w = tt.get("/scrape", q, "")
	qt.Check(t, qt.Equals(w.Code, http.StatusForbidden))
}

func TestHealthAndMetrics(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{})
	w := tt.get("/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, http.StatusOK, tt.get("/announce/alicekey", tt.announceQuery("p", "0"), "").Code)
	w = tt.get("/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `tracker_announces_total{result="ok"} 1`)
	assert.Contains(t, w.Body.String(), "tracker_peers 1")

	w = tt.get("/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	decodeResponse(t, w)
}

func TestPanicRecovered(t *testing.T) {
	router := NewRouter(Handler{Logger: log.Default}, RouterOpts{})
	tt := &testTracker{router: router, torrent: types.Torrent{InfoHash: types.InfoHash{1}}}
	w := tt.get("/announce/alicekey", tt.announceQuery("p", "0"), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	hr := decodeResponse(t, w)
	assert.Equal(t, "internal tracker error", hr.FailureReason)
}

func TestFloodGuard(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{FloodRate: 1, FloodBurst: 2})
	q := tt.announceQuery("p", "0")
	assert.Equal(t, http.StatusOK, tt.get("/announce/alicekey", q, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusOK, tt.get("/announce/alicekey", q, "10.0.0.1:1").Code)
	w := tt.get("/announce/alicekey", q, "10.0.0.1:1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	// Other sources have their own budget.
	assert.Equal(t, http.StatusOK, tt.get("/announce/alicekey", q, "10.0.0.2:1").Code)
	// Health checks aren't limited.
	assert.Equal(t, http.StatusOK, tt.get("/healthz", nil, "10.0.0.1:1").Code)
}

func TestFloodGuardPrunesIdle(t *testing.T) {
	g := newFloodGuard(1, 1)
	now := time.Now()
	g.now = func() time.Time { return now }
	for i := range pruneThreshold {
		g.allow(netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)}))
	}
	qt.Assert(t, qt.Equals(len(g.limiters), pruneThreshold))
	now = now.Add(floodIdle + time.Second)
	qt.Check(t, qt.IsTrue(g.allow(netip.MustParseAddr("192.0.2.1"))))
	qt.Check(t, qt.Equals(len(g.limiters), 1))
}

func TestFloodGuardPrunesAtMostOncePerIdle(t *testing.T) {
	g := newFloodGuard(1, 1)
	t0 := time.Now()
	now := t0
	g.now = func() time.Time { return now }
	for i := range pruneThreshold {
		g.allow(netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)}))
	}
	// Nothing is idle yet, so this prune keeps everything.
	g.allow(netip.MustParseAddr("192.0.2.1"))
	qt.Check(t, qt.Equals(len(g.limiters), pruneThreshold+1))
	qt.Check(t, qt.Equals(g.lastPrune, t0))

	now = t0.Add(5 * time.Minute)
	g.allow(netip.MustParseAddr("192.0.2.2"))
	qt.Check(t, qt.Equals(len(g.limiters), pruneThreshold+2))
	qt.Check(t, qt.Equals(g.lastPrune, t0))

	now = t0.Add(floodIdle + time.Second)
	g.allow(netip.MustParseAddr("192.0.2.3"))
	qt.Check(t, qt.Equals(g.lastPrune, now))
	// Only the addresses seen within floodIdle survive.
	qt.Check(t, qt.Equals(len(g.limiters), 2))
}

func TestTrustProxyHeaders(t *testing.T) {
	tt := newTestTracker(t, nil, RouterOpts{TrustProxyHeaders: true})
	r := httptest.NewRequest(http.MethodGet, "/announce/alicekey?"+tt.announceQuery("p", "0").Encode(), nil)
	r.Header.Set("X-Real-IP", "203.0.113.9")
	w := httptest.NewRecorder()
	tt.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	p, ok := tt.announce.Swarm.Get(tt.torrent.ID, peerID("p"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.9:6881"), p.Addr)
}
