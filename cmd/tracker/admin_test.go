package main

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	qt "github.com/go-quicktest/qt"
)

func TestParseTorrentFileSingle(t *testing.T) {
	info := "d6:lengthi1048576e4:name8:disk.img12:piece lengthi262144e6:pieces0:e"
	tfi, err := parseTorrentFile([]byte("d8:announce3:url4:info" + info + "e"))
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(tfi.Name, "disk.img"))
	qt.Check(t, qt.Equals(tfi.Size, uint64(1<<20)))
	qt.Check(t, qt.DeepEquals(tfi.InfoHash[:], func() []byte { h := sha1.Sum([]byte(info)); return h[:] }()))
}

func TestParseTorrentFileMulti(t *testing.T) {
	info := "d5:filesld6:lengthi10e4:pathl1:aeed6:lengthi32e4:pathl1:beee4:name3:dir12:piece lengthi16384e6:pieces0:e"
	tfi, err := parseTorrentFile([]byte("d4:info" + info + "e"))
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(tfi.Name, "dir"))
	qt.Check(t, qt.Equals(tfi.Size, uint64(42)))
}

func TestParseTorrentFileErrors(t *testing.T) {
	for _, b := range []string{
		"",
		"d8:announce3:urle",
		"d4:infoi1ee",
		"d4:infod6:lengthi-1eee",
		"d4:infod4:name1:xee trailing",
	} {
		_, err := parseTorrentFile([]byte(b))
		qt.Check(t, qt.IsNotNil(err), qt.Commentf("%q", b))
	}
}

func TestNewPasskey(t *testing.T) {
	a, err := newPasskey()
	qt.Assert(t, qt.IsNil(err))
	b, err := newPasskey()
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(a, 32))
	qt.Check(t, qt.Not(qt.Equals(a, b)))
}

func TestSpewBencoding(t *testing.T) {
	qt.Check(t, qt.IsNil(spewBencoding(strings.NewReader("i1e4:spam"))))
	qt.Check(t, qt.IsNotNil(spewBencoding(bytes.NewReader([]byte("i1ex")))))
}
