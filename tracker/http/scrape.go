package httpTracker

import (
	"github.com/privtracker/privtracker/bencode"
	"github.com/privtracker/privtracker/types"
)

type ScrapeFile struct {
	Complete   int64 `bencode:"complete"`
	Downloaded int64 `bencode:"downloaded"`
	Incomplete int64 `bencode:"incomplete"`
}

// Files are keyed by the raw 20 byte info hash.
type ScrapeResponse struct {
	Files map[string]ScrapeFile `bencode:"files"`
}

func (me *ScrapeResponse) Add(ih types.InfoHash, f ScrapeFile) {
	if me.Files == nil {
		me.Files = make(map[string]ScrapeFile)
	}
	me.Files[ih.AsString()] = f
}

func (me ScrapeResponse) File(ih types.InfoHash) (f ScrapeFile, ok bool) {
	f, ok = me.Files[ih.AsString()]
	return
}

func (me ScrapeResponse) MarshalBencode() ([]byte, error) {
	if me.Files == nil {
		me.Files = map[string]ScrapeFile{}
	}
	type plain ScrapeResponse
	return bencode.Marshal(plain(me))
}
