// Package swarm is the in-memory registry of peers announcing each torrent.
package swarm

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"sort"
	"sync/atomic"
	"time"

	"github.com/anacrolix/multiless"
	"github.com/anacrolix/sync"
	"github.com/cespare/xxhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/btree"

	"github.com/privtracker/privtracker/types"
)

type Peer struct {
	ID           types.PeerID
	TorrentID    types.TorrentID
	UserID       types.UserID
	Addr         netip.AddrPort
	Uploaded     uint64
	Downloaded   uint64
	Left         uint64
	LastAnnounce time.Time
}

func (p *Peer) Seeder() bool {
	return p.Left == 0
}

// Orders peers by last announce for eviction.
type ageKey struct {
	at int64
	id types.PeerID
}

func ageLess(a, b ageKey) bool {
	return multiless.New().Int64(a.at, b.at).Lazy(func() multiless.Computation {
		return multiless.New().Cmp(bytes.Compare(a.id[:], b.id[:]))
	}).Less()
}

func (p *Peer) ageKey() ageKey {
	return ageKey{p.LastAnnounce.UnixNano(), p.ID}
}

type torrentPeers struct {
	peers   map[types.PeerID]Peer
	byAge   *btree.BTreeG[ageKey]
	seeders int
}

func newTorrentPeers() *torrentPeers {
	return &torrentPeers{
		peers: make(map[types.PeerID]Peer),
		// The shard lock guards the tree.
		byAge: btree.NewBTreeGOptions(ageLess, btree.Options{NoLocks: true}),
	}
}

func (me *torrentPeers) remove(id types.PeerID) (Peer, bool) {
	p, ok := me.peers[id]
	if !ok {
		return p, false
	}
	delete(me.peers, id)
	me.byAge.Delete(p.ageKey())
	if p.Seeder() {
		me.seeders--
	}
	return p, true
}

func (me *torrentPeers) add(p Peer) {
	me.peers[p.ID] = p
	me.byAge.Set(p.ageKey())
	if p.Seeder() {
		me.seeders++
	}
}

type shard struct {
	mu       sync.RWMutex
	torrents map[types.TorrentID]*torrentPeers
}

const defaultNumShards = 64

type Registry struct {
	shards []shard
	// Defaults to time.Now.
	Now func() time.Time

	len atomic.Int64
}

func New() *Registry {
	return NewSharded(defaultNumShards)
}

func NewSharded(numShards int) *Registry {
	r := &Registry{
		shards: make([]shard, numShards),
	}
	for i := range r.shards {
		r.shards[i].torrents = make(map[types.TorrentID]*torrentPeers)
	}
	return r
}

func (r *Registry) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Registry) shard(torrentID types.TorrentID) *shard {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(torrentID))
	return &r.shards[xxhash.Sum64(b[:])%uint64(len(r.shards))]
}

func (r *Registry) addLen(delta int) {
	r.len.Add(int64(delta))
}

// Len is the number of peers across all torrents.
func (r *Registry) Len() int {
	return int(r.len.Load())
}

// Upsert replaces any peer with the same ID in the torrent's swarm. LastAnnounce is set to now.
func (r *Registry) Upsert(p Peer) {
	p.LastAnnounce = r.now()
	s := r.shard(p.TorrentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[p.TorrentID]
	if !ok {
		t = newTorrentPeers()
		s.torrents[p.TorrentID] = t
	}
	if _, replaced := t.remove(p.ID); !replaced {
		r.addLen(1)
	}
	t.add(p)
}

func (r *Registry) Remove(torrentID types.TorrentID, peerID types.PeerID) bool {
	s := r.shard(torrentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[torrentID]
	if !ok {
		return false
	}
	_, ok = t.remove(peerID)
	if ok {
		r.addLen(-1)
	}
	if len(t.peers) == 0 {
		delete(s.torrents, torrentID)
	}
	return ok
}

func (r *Registry) Get(torrentID types.TorrentID, peerID types.PeerID) (p Peer, ok bool) {
	s := r.shard(torrentID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.torrents[torrentID]
	if ok {
		p, ok = t.peers[peerID]
	}
	return
}

func (r *Registry) evictLocked(s *shard, torrentID types.TorrentID, t *torrentPeers, cutoff time.Time) (evicted int) {
	c := cutoff.UnixNano()
	for {
		oldest, ok := t.byAge.Min()
		if !ok || oldest.at >= c {
			break
		}
		t.remove(oldest.id)
		evicted++
	}
	if len(t.peers) == 0 {
		delete(s.torrents, torrentID)
	}
	r.addLen(-evicted)
	return
}

// EvictStale removes the torrent's peers that last announced before cutoff. The cost is
// proportional to the number evicted.
func (r *Registry) EvictStale(torrentID types.TorrentID, cutoff time.Time) int {
	s := r.shard(torrentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[torrentID]
	if !ok {
		return 0
	}
	return r.evictLocked(s, torrentID, t, cutoff)
}

// EvictAllStale is EvictStale for every torrent, for swarms nobody announces to any more.
func (r *Registry) EvictAllStale(cutoff time.Time) (evicted int) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, t := range s.torrents {
			evicted += r.evictLocked(s, id, t, cutoff)
		}
		s.mu.Unlock()
	}
	return
}

func (r *Registry) Counts(torrentID types.TorrentID) (seeders, leechers int) {
	s := r.shard(torrentID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.torrents[torrentID]
	if !ok {
		return
	}
	return t.seeders, len(t.peers) - t.seeders
}

// ListForResponse returns up to limit peers, excluding the announcing peer. Peers that complement
// the announcer come first: seeders for a leecher, leechers for a seeder. Then more recent
// announces come first.
func (r *Registry) ListForResponse(torrentID types.TorrentID, exclude types.PeerID, forSeeder bool, limit int) []Peer {
	if limit <= 0 {
		return nil
	}
	s := r.shard(torrentID)
	s.mu.RLock()
	t, ok := s.torrents[torrentID]
	var ret []Peer
	if ok {
		ret = make([]Peer, 0, len(t.peers))
		for id, p := range t.peers {
			if id != exclude {
				ret = append(ret, p)
			}
		}
	}
	s.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool {
		lp, rp := &ret[i], &ret[j]
		return multiless.New().Bool(
			lp.Seeder() == forSeeder, rp.Seeder() == forSeeder,
		).Int64(
			rp.LastAnnounce.UnixNano(), lp.LastAnnounce.UnixNano(),
		).Lazy(func() multiless.Computation {
			return multiless.New().Cmp(bytes.Compare(lp.ID[:], rp.ID[:]))
		}).Less()
	})
	if len(ret) > limit {
		ret = ret[:limit]
	}
	return ret
}

// Collector exports the number of tracked peers.
func (r *Registry) Collector() prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tracker",
		Name:      "peers",
		Help:      "Peers currently in swarms.",
	}, func() float64 {
		return float64(r.Len())
	})
}
