// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package mmapfile provides the read-only, memory-mapped byte view of
// an input file that spec.md treats as an external collaborator
// ("the OS-level memory-mapping primitive"). It is a thin wrapper
// around github.com/edsrzf/mmap-go.
package mmapfile

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// File is a read-only memory-mapped view of a local file.
type File struct {
	f    *os.File
	data mmap.MMap
}

// Open memory-maps path for reading. The returned File's Bytes method
// gives a shared, immutable byte range suitable for handing directly
// to the block partitioner without copying the file into a buffer.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		// mmap of a zero-length file fails on most platforms; callers
		// treat a zero-byte Bytes() slice as the empty-file case.
		return &File{f: f}, nil
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &File{f: f, data: data}, nil
}

// Bytes returns the mapped byte range. It is valid only until Close is
// called.
func (m *File) Bytes() []byte {
	if m.data == nil {
		return nil
	}
	return m.data
}

// Close unmaps and closes the underlying file.
func (m *File) Close() error {
	var unmapErr error
	if m.data != nil {
		unmapErr = m.data.Unmap()
	}
	closeErr := m.f.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}
