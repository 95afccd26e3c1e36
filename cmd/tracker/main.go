// Runs and administers a private BitTorrent tracker.
//
// Example run:
// $ tracker -c tracker.yaml user-add alice
// $ tracker -c tracker.yaml torrent-add ubuntu.torrent
// $ tracker -c tracker.yaml serve
package main

import (
	"fmt"
	"io"
	stdLog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
	"github.com/davecgh/go-spew/spew"

	"github.com/privtracker/privtracker/bencode"
	"github.com/privtracker/privtracker/config"
	"github.com/privtracker/privtracker/storage"
)

var flags struct {
	Config            string `arg:"-c,--config" help:"settings file; defaults apply when unset"`
	Debug             bool
	*ServeCmd         `arg:"subcommand:serve"`
	*SweepCmd         `arg:"subcommand:sweep"`
	*UserAddCmd       `arg:"subcommand:user-add"`
	*TorrentAddCmd    `arg:"subcommand:torrent-add"`
	*StatsCmd         `arg:"subcommand:stats"`
	*SpewBencodingCmd `arg:"subcommand:spew-bencoding"`
	*WriteConfigCmd   `arg:"subcommand:write-config"`
}

type SpewBencodingCmd struct{}

type WriteConfigCmd struct {
	Path string `arg:"positional,required" help:"where to write the default settings"`
}

func exitSignalHandlers(notify *missinggo.SynchronizedEvent) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	for {
		log.Printf("close signal received: %+v", <-c)
		notify.Set()
	}
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func loadSettings() (*config.Settings, error) {
	return config.LoadOrDefault(flags.Config)
}

func openStore(s *config.Settings) (storage.Store, error) {
	store, err := storage.Open(s.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening %v store at %q: %w", s.Storage.Driver, s.Storage.Path, err)
	}
	return store, nil
}

func mainErr() error {
	stdLog.SetFlags(stdLog.Flags() | stdLog.Lshortfile)
	p := arg.MustParse(&flags)
	switch {
	case flags.ServeCmd != nil:
		return serve()
	case flags.SweepCmd != nil:
		return sweep()
	case flags.UserAddCmd != nil:
		return userAdd(os.Stdout)
	case flags.TorrentAddCmd != nil:
		return torrentAdd(os.Stdout)
	case flags.StatsCmd != nil:
		return stats(os.Stdout)
	case flags.SpewBencodingCmd != nil:
		return spewBencoding(os.Stdin)
	case flags.WriteConfigCmd != nil:
		return config.Save(flags.WriteConfigCmd.Path, config.Default())
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func spewBencoding(r io.Reader) error {
	d := bencode.NewDecoder(r)
	for i := 0; ; i++ {
		var v interface{}
		err := d.Decode(&v)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("decoding message index %d: %w", i, err)
		}
		spew.Dump(v)
	}
	return nil
}
