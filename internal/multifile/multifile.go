// Package multifile provides a pull-style reader over a sequence of named files.
package multifile

import (
	"bytes"
	"errors"
	"io"
	"sort"
)

// ReadFunc returns the next file or io.EOF when there are no more files.
type ReadFunc func() (name string, content io.ReadCloser, err error)

type Reader struct {
	readFunc ReadFunc
	name     string
	content  io.ReadCloser
	err      error
}

func NewReader(readFunc ReadFunc) *Reader {
	return &Reader{readFunc: readFunc}
}

// NewMapReader returns a Reader over files in name order.
func NewMapReader(files map[string][]byte) *Reader {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	i := 0
	return NewReader(func() (string, io.ReadCloser, error) {
		if i >= len(names) {
			return "", nil, io.EOF
		}
		name := names[i]
		i++
		return name, io.NopCloser(bytes.NewReader(files[name])), nil
	})
}

// Read advances to the next file, closing the content of the current one.
func (r *Reader) Read() bool {
	if r.err != nil {
		return false
	}
	r.closeContent()
	r.name, r.content, r.err = r.readFunc()
	return r.err == nil
}

func (r *Reader) Name() string {
	return r.name
}

func (r *Reader) Content() io.Reader {
	if r.content == nil {
		panic("multifile: Content call before successful Read call")
	}
	return r.content
}

func (r *Reader) Err() error {
	if errors.Is(r.err, io.EOF) {
		return nil
	}
	return r.err
}

// Close releases the current file. It is safe to call multiple times.
func (r *Reader) Close() error {
	r.closeContent()
	if r.err == nil {
		r.err = io.EOF
	}
	return nil
}

func (r *Reader) closeContent() {
	if r.content != nil {
		_ = r.content.Close()
		r.content = nil
	}
}
