package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

const testPieceLength = 16 * 1024

// WriteContent creates a file of size bytes with deterministic content.
func WriteContent(tb testing.TB, path string, size int) {
	tb.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}

// BuildDescriptor returns the bencoded descriptor for the file or directory at root.
func BuildDescriptor(tb testing.TB, root string) []byte {
	tb.Helper()
	info := metainfo.Info{PieceLength: testPieceLength}
	if err := info.BuildFromFilePath(root); err != nil {
		tb.Fatalf("build info from %s: %v", root, err)
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		tb.Fatalf("marshal info: %v", err)
	}

	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		tb.Fatalf("write metainfo: %v", err)
	}
	return buf.Bytes()
}

// SingleFileDescriptor creates a content file named name of size bytes under
// dir/src and writes its descriptor to dir/name.torrent. It returns the
// descriptor path and the content path.
func SingleFileDescriptor(tb testing.TB, dir, name string, size int) (descriptorPath, contentPath string) {
	tb.Helper()
	contentPath = filepath.Join(dir, "src", name)
	WriteContent(tb, contentPath, size)

	descriptorPath = filepath.Join(dir, name+".torrent")
	if err := os.WriteFile(descriptorPath, BuildDescriptor(tb, contentPath), 0o644); err != nil {
		tb.Fatalf("write descriptor: %v", err)
	}
	return descriptorPath, contentPath
}

// MultiFileDescriptor creates a directory named name holding one file per
// size and writes its descriptor to dir/name.torrent.
func MultiFileDescriptor(tb testing.TB, dir, name string, sizes ...int) string {
	tb.Helper()
	root := filepath.Join(dir, "src", name)
	for i, size := range sizes {
		WriteContent(tb, filepath.Join(root, "part"+string(rune('a'+i))), size)
	}

	descriptorPath := filepath.Join(dir, name+".torrent")
	if err := os.WriteFile(descriptorPath, BuildDescriptor(tb, root), 0o644); err != nil {
		tb.Fatalf("write descriptor: %v", err)
	}
	return descriptorPath
}
