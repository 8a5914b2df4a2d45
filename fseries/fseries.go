/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fseries implements the scanned file series the configuration
// loader walks: a base directory plus the names of the regular files in it
// that survived the suffix and type filters, in byte-wise sorted order.
package fseries

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrZeroResize = errors.New("cannot resize a populated series to zero")
	ErrNotDir     = errors.New("path is not a directory")
)

// FileSeries holds the filtered contents of one directory scan.
type FileSeries struct {
	BaseDir string
	Names   []string
}

// FromDir scans path for regular files carrying the given suffix. When
// followLinks is set, symlinks resolving to regular files are included as
// well. Results are sorted byte-wise, matching scandir alphasort.
func FromDir(path, suffix string, followLinks bool) (*FileSeries, error) {
	ents, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	fs := &FileSeries{
		BaseDir: path,
		Names:   make([]string, 0, len(ents)),
	}
	for _, ent := range ents {
		if suffix != `` && !strings.HasSuffix(ent.Name(), suffix) {
			continue
		}
		if ent.Type().IsRegular() {
			fs.Names = append(fs.Names, ent.Name())
			continue
		}
		if followLinks && ent.Type()&os.ModeSymlink != 0 {
			fi, err := os.Stat(filepath.Join(path, ent.Name()))
			if err != nil {
				continue //dangling link
			}
			if fi.Mode().IsRegular() {
				fs.Names = append(fs.Names, ent.Name())
			}
		}
	}
	sort.Strings(fs.Names)
	return fs, nil
}

// FromStrArr wraps a pre-existing name array as a series.
func FromStrArr(baseDir string, names []string) *FileSeries {
	return &FileSeries{
		BaseDir: baseDir,
		Names:   names,
	}
}

// Init preallocates a series with n empty name slots.
func Init(n int, baseDir string) *FileSeries {
	return &FileSeries{
		BaseDir: baseDir,
		Names:   make([]string, n),
	}
}

// Resize grows or shrinks the name array to n entries. Growing appends empty
// slots; shrinking truncates. Resizing a populated series to zero is
// rejected so that a cleared series cannot alias an uninitialized one.
// Resizing to the current size is a no-op.
func (fs *FileSeries) Resize(n int) error {
	switch {
	case n == len(fs.Names):
		return nil
	case n == 0 && len(fs.Names) > 0:
		return ErrZeroResize
	case n < len(fs.Names):
		fs.Names = fs.Names[:n]
	default:
		grown := make([]string, n)
		copy(grown, fs.Names)
		fs.Names = grown
	}
	return nil
}

// Paths returns the full path of every file in the series, in order.
func (fs *FileSeries) Paths() []string {
	out := make([]string, 0, len(fs.Names))
	for _, n := range fs.Names {
		out = append(out, filepath.Join(fs.BaseDir, n))
	}
	return out
}
