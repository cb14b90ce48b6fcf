package rdb

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"

	"github.com/edirooss/kvserver/internal/store"
)

// Save writes a point-in-time snapshot of s to <dir>/<filename>, replacing
// any existing file atomically via a temp-file-plus-rename sequence.
func Save(dir, filename string, s *store.Store) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, filename)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	if err := writeSnapshot(w, s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeSnapshot(w *bufio.Writer, s *store.Store) error {
	if _, err := w.WriteString(magicFull); err != nil {
		return err
	}
	if err := w.WriteByte(opSelectDB); err != nil {
		return err
	}
	if err := w.WriteByte(0x00); err != nil {
		return err
	}

	keys := s.Keys()
	sort.Strings(keys)

	if err := w.WriteByte(opResizeDB); err != nil {
		return err
	}
	if err := writeClampedCount(w, len(keys)); err != nil {
		return err
	}
	expiring := 0
	for _, k := range keys {
		if v, ok := s.Peek(k); ok && v.ExpireAt > 0 {
			expiring++
		}
	}
	if err := writeClampedCount(w, expiring); err != nil {
		return err
	}

	for _, k := range keys {
		v, ok := s.Peek(k)
		if !ok || v.Kind != store.KindString {
			continue
		}
		if v.ExpireAt > 0 {
			if err := w.WriteByte(opExpireMs); err != nil {
				return err
			}
			if err := writeUint64LE(w, uint64(v.ExpireAt)); err != nil {
				return err
			}
		}
		if err := w.WriteByte(valueTypeString); err != nil {
			return err
		}
		if err := encodeString(w, []byte(k)); err != nil {
			return err
		}
		if err := encodeString(w, v.Str); err != nil {
			return err
		}
	}

	return w.WriteByte(opEOF)
}

// writeClampedCount writes n as a single byte, clamped to 255, matching
// the RESIZEDB section's historical byte-sized counters; exact sizing
// hints are an optimization only, not load-bearing for correctness.
func writeClampedCount(w *bufio.Writer, n int) error {
	if n > 255 {
		n = 255
	}
	return w.WriteByte(byte(n))
}

func writeUint64LE(w *bufio.Writer, v uint64) error {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	_, err := w.Write(buf[:])
	return err
}

// Saver binds a fixed store and destination path so the dispatcher,
// replication manager, and shutdown path can all trigger a snapshot
// without each carrying the directory/filename pair around. Every call
// runs on the event loop goroutine, so there is never a second save in
// flight to coordinate with.
type Saver struct {
	dir, filename string
	store         *store.Store
}

// NewSaver builds a Saver bound to a fixed store and destination path.
func NewSaver(dir, filename string, s *store.Store) *Saver {
	return &Saver{dir: dir, filename: filename, store: s}
}

// Save writes a snapshot to the bound path.
func (sv *Saver) Save() error {
	return Save(sv.dir, sv.filename, sv.store)
}
