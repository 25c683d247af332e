// Package descriptor classifies, fetches and parses transfer descriptors.
//
// A descriptor is either a local .torrent file or an http(s) URI that serves
// one. Parsing never creates engine state; it only yields the metadata the
// engine and the cleanup paths need.
package descriptor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"seedkeeper/internal/apperrors"
)

// Kind says where a descriptor comes from.
type Kind int

const (
	KindLocal Kind = iota + 1
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Classify decides whether location names an existing local file or a remote
// http(s) URI. Anything else is apperrors.ErrUnrecognized.
func Classify(location string) (Kind, error) {
	if location == "" {
		return 0, apperrors.Create(apperrors.ErrUnrecognized, location, nil)
	}
	if fi, err := os.Stat(location); err == nil && fi.Mode().IsRegular() {
		return KindLocal, nil
	}
	lower := strings.ToLower(location)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return KindRemote, nil
	}
	return 0, apperrors.Create(apperrors.ErrUnrecognized, location, nil)
}

// File is one content file declared by a descriptor.
type File struct {
	Path   string // relative to the download directory, descriptor naming
	Length int64
}

// Descriptor is a parsed descriptor.
type Descriptor struct {
	Location string
	Raw      []byte
	MetaInfo *metainfo.MetaInfo
	Info     metainfo.Info
	InfoHash string // hex
	Files    []File
}

// Name returns the descriptor's own content name.
func (d *Descriptor) Name() string {
	return d.Info.BestName()
}

// TotalLength returns the sum of all declared file lengths.
func (d *Descriptor) TotalLength() int64 {
	var n int64
	for _, f := range d.Files {
		n += f.Length
	}
	return n
}

// SingleFile returns the only content file, or apperrors.ErrNotSingleFile
// when the descriptor declares zero or several files.
func (d *Descriptor) SingleFile() (File, error) {
	if len(d.Files) != 1 {
		return File{}, apperrors.Create(apperrors.ErrNotSingleFile, d.Location,
			fmt.Errorf("descriptor declares %d files", len(d.Files)))
	}
	return d.Files[0], nil
}

// Parse decodes raw descriptor bytes. Any decoding failure is apperrors.ErrParseFailed.
func Parse(location string, raw []byte) (*Descriptor, error) {
	mi, err := metainfo.Load(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Create(apperrors.ErrParseFailed, location, err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, apperrors.Create(apperrors.ErrParseFailed, location, err)
	}

	d := &Descriptor{
		Location: location,
		Raw:      raw,
		MetaInfo: mi,
		Info:     info,
		InfoHash: mi.HashInfoBytes().HexString(),
	}

	name := info.BestName()
	if !info.IsDir() {
		d.Files = []File{{Path: name, Length: info.Length}}
		return d, nil
	}
	for _, fi := range info.UpvertedFiles() {
		parts := append([]string{name}, fi.BestPath()...)
		d.Files = append(d.Files, File{Path: filepath.Join(parts...), Length: fi.Length})
	}
	return d, nil
}

// ReadLocal reads and parses a local descriptor file.
func ReadLocal(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	return Parse(path, raw)
}
