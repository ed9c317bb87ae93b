package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Load reads the series stored at path. A missing file is an empty series
// (reported as CodecJSON); a file that cannot be decoded is ErrCorruptStore.
func Load(path string) (*History, Codec, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewHistory(), CodecJSON, nil
	}
	if err != nil {
		return nil, CodecJSON, fmt.Errorf("read store %s: %w", path, err)
	}
	h, codec, err := Decode(data)
	if err != nil {
		return nil, codec, fmt.Errorf("load %s: %w", path, err)
	}
	return h, codec, nil
}

// Save writes h to path with codec. See WriteAtomic.
func Save(h *History, path string, codec Codec) error {
	return WriteAtomic(path, func(w io.Writer) error {
		if err := codec.Encode(w, h); err != nil {
			return fmt.Errorf("encode store %s: %w", path, err)
		}
		return nil
	})
}

// WriteAtomic writes to a temporary file in the same directory as path,
// syncs it and renames it over path, so path always holds either the
// previous or the new complete content. The directory is created if
// needed.
func WriteAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
