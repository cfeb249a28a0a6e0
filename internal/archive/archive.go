// Package archive validates uploaded image bundles before dispatch.
//
// An input bundle is a zip archive whose entries are grouped into one
// subdirectory per imaging channel, e.g. "ct/slice001.dcm". The archive is
// rejected locally when malformed so no orphan remote run is ever created.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArchive indicates a bundle that cannot be dispatched.
var ErrInvalidArchive = errors.New("invalid archive")

// Validate checks that data is a readable, non-empty zip archive containing at
// least one recognized channel subdirectory.
func Validate(data []byte, channels []string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidArchive)
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if len(reader.File) == 0 {
		return fmt.Errorf("%w: archive has no entries", ErrInvalidArchive)
	}

	recognized := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		recognized[strings.ToLower(c)] = struct{}{}
	}
	for _, f := range reader.File {
		if _, ok := recognized[channelOf(f.Name)]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: no recognized channel folder", ErrInvalidArchive)
}

// channelOf extracts the top-level folder of an entry name, normalized to
// lower case. Entries at the archive root have no channel.
func channelOf(name string) string {
	name = strings.TrimPrefix(name, "/")
	dir, _, found := strings.Cut(name, "/")
	if !found {
		return ""
	}
	return strings.ToLower(dir)
}
