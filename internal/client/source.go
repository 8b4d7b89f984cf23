package client

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Source is a file selected for upload. Parts are read concurrently with
// ReadAt.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	ModTime() time.Time
}

// FileSource is a Source backed by a local file.
type FileSource struct {
	f    *os.File
	info os.FileInfo
}

func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &FileSource{f: f, info: info}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *FileSource) Name() string                            { return filepath.Base(s.info.Name()) }
func (s *FileSource) Size() int64                             { return s.info.Size() }
func (s *FileSource) ModTime() time.Time                      { return s.info.ModTime() }
func (s *FileSource) Close() error                            { return s.f.Close() }

// BytesSource is an in-memory Source.
type BytesSource struct {
	*bytes.Reader
	name     string
	size     int64
	modified time.Time
}

func NewBytesSource(name string, data []byte, modified time.Time) *BytesSource {
	return &BytesSource{Reader: bytes.NewReader(data), name: name, size: int64(len(data)), modified: modified}
}

func (s *BytesSource) Name() string       { return s.name }
func (s *BytesSource) Size() int64        { return s.size }
func (s *BytesSource) ModTime() time.Time { return s.modified }

// Fingerprint identifies a file selection across runs by its name, size and
// modification time.
func Fingerprint(src Source) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", src.Name(), src.Size(), src.ModTime().UnixNano())))
	return hex.EncodeToString(sum[:])
}
