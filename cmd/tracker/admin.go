package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/privtracker/privtracker/bencode"
	"github.com/privtracker/privtracker/ledger"
	"github.com/privtracker/privtracker/types"
)

type UserAddCmd struct {
	Username string `arg:"positional,required"`
	Passkey  string `help:"generated when unset"`
}

type TorrentAddCmd struct {
	TorrentFile string `arg:"positional,required" help:"path to a .torrent file"`
}

type StatsCmd struct {
	Username string `arg:"positional,required"`
}

func rootLogger() log.Logger {
	logger := log.Default.WithNames("tracker")
	if flags.Debug {
		logger = logger.FilterLevel(log.Debug)
	}
	return logger
}

// 32 hex characters, the common private tracker passkey shape.
func newPasskey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func userAdd(w io.Writer) error {
	cmd := flags.UserAddCmd
	passkey := cmd.Passkey
	if passkey == "" {
		var err error
		passkey, err = newPasskey()
		if err != nil {
			return fmt.Errorf("generating passkey: %w", err)
		}
	}
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	user, err := store.AddUser(context.Background(), cmd.Username, passkey)
	if err != nil {
		return fmt.Errorf("adding user %q: %w", cmd.Username, err)
	}
	fmt.Fprintf(w, "user %v %q passkey %s\n", user.ID, user.Username, user.Passkey)
	return nil
}

// The parts of a metainfo file the tracker registers.
type torrentFileInfo struct {
	InfoHash types.InfoHash
	Name     string
	Size     uint64
}

type metainfoInfo struct {
	Name   string `bencode:"name"`
	Length int64  `bencode:"length,omitempty"`
	Files  []struct {
		Length int64 `bencode:"length"`
	} `bencode:"files,omitempty"`
}

func parseTorrentFile(b []byte) (ret torrentFileInfo, err error) {
	infoBytes, err := bencode.RawDictValue(b, "info")
	if err != nil {
		err = fmt.Errorf("finding info dict: %w", err)
		return
	}
	var info metainfoInfo
	err = bencode.Unmarshal(infoBytes, &info)
	if err != nil {
		err = fmt.Errorf("decoding info dict: %w", err)
		return
	}
	ret.InfoHash = types.InfoHashFromInfoBytes(infoBytes)
	ret.Name = info.Name
	if len(info.Files) == 0 {
		if info.Length < 0 {
			err = fmt.Errorf("negative length %d", info.Length)
			return
		}
		ret.Size = uint64(info.Length)
		return
	}
	for _, f := range info.Files {
		if f.Length < 0 {
			err = fmt.Errorf("negative file length %d", f.Length)
			return
		}
		ret.Size += uint64(f.Length)
	}
	return
}

func torrentAdd(w io.Writer) error {
	b, err := os.ReadFile(flags.TorrentAddCmd.TorrentFile)
	if err != nil {
		return err
	}
	tfi, err := parseTorrentFile(b)
	if err != nil {
		return fmt.Errorf("reading %q: %w", flags.TorrentAddCmd.TorrentFile, err)
	}
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	t, err := store.AddTorrent(context.Background(), tfi.InfoHash, tfi.Name, tfi.Size)
	if err != nil {
		return fmt.Errorf("adding torrent %v: %w", tfi.InfoHash, err)
	}
	fmt.Fprintf(w, "torrent %v %s %q (%s)\n", t.ID, t.InfoHash.HexString(), t.Name, humanize.IBytes(t.Size))
	return nil
}

func stats(w io.Writer) error {
	ctx := context.Background()
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	opt, err := store.UserByName(ctx, flags.StatsCmd.Username)
	if err != nil {
		return err
	}
	if !opt.Ok {
		return fmt.Errorf("no user %q", flags.StatsCmd.Username)
	}
	user := opt.Value
	l := ledger.New(store)
	agg, err := l.Aggregate(ctx, user.ID)
	if err != nil {
		return err
	}
	hnrs, err := store.CountHitAndRuns(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: uploaded %s, downloaded %s, ratio %.3f, bonus %d, hit and runs %d\n",
		user.Username,
		humanize.IBytes(agg.Uploaded),
		humanize.IBytes(agg.Downloaded),
		agg.Ratio,
		agg.BonusPoints,
		hnrs,
	)
	totals, err := l.TorrentTotals(ctx, user.ID)
	if err != nil {
		return err
	}
	for ih, tt := range totals {
		fmt.Fprintf(w, "  %s: uploaded %s, downloaded %s, ratio %.3f\n",
			ih.HexString(), humanize.IBytes(tt.Uploaded), humanize.IBytes(tt.Downloaded), tt.Ratio())
	}
	return nil
}
