package rdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edirooss/kvserver/internal/store"
	"go.uber.org/zap"
)

// Load reads the snapshot at <dir>/<filename> and populates s with its
// contents. A missing file is reported as ErrAbsent, which callers treat
// as "start empty" rather than a fatal condition. Unknown opcodes are
// logged and skipped. Truncation, a bad magic header, an LZF or unknown
// string encoding, or a non-string value type ends the load with an
// error, leaving already-applied entries in s.
func Load(log *zap.Logger, dir, filename string, s *store.Store) error {
	if log == nil {
		log = zap.NewNop()
	}
	path := filepath.Join(dir, filename)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrAbsent
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if string(header[:len(magicPrefix)]) != magicPrefix {
		return ErrBadMagic
	}

	var pendingExpireAt int64

	for {
		op, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: missing EOF marker: %v", ErrCorrupt, err)
		}

		switch op {
		case opEOF:
			return nil

		case opAux:
			if _, err := decodeString(r); err != nil {
				return err
			}
			if _, err := decodeString(r); err != nil {
				return err
			}

		case opSelectDB:
			if _, err := r.ReadByte(); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}

		case opResizeDB:
			if _, err := r.ReadByte(); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if _, err := r.ReadByte(); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}

		case opExpireSec:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			pendingExpireAt = int64(binary.LittleEndian.Uint32(buf[:])) * 1000
			if err := readEntry(r, s, pendingExpireAt); err != nil {
				return err
			}
			pendingExpireAt = 0

		case opExpireMs:
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			pendingExpireAt = int64(binary.LittleEndian.Uint64(buf[:]))
			if err := readEntry(r, s, pendingExpireAt); err != nil {
				return err
			}
			pendingExpireAt = 0

		case valueTypeString:
			if err := readKeyValue(r, s, 0); err != nil {
				return err
			}

		default:
			// Opcodes this codec doesn't know are skipped, not fatal: the
			// read loop keys off the 0xFF terminator, never off trusting
			// every intermediate byte.
			log.Warn("skipping unknown opcode", zap.Uint8("opcode", op))
		}
	}
}

// readEntry consumes the value-type byte that follows an expire opcode,
// then the key/value pair itself.
func readEntry(r *bufio.Reader, s *store.Store, expireAt int64) error {
	vt, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if vt != valueTypeString {
		return fmt.Errorf("%w: unsupported value type 0x%02x", ErrUnsupportedEncoding, vt)
	}
	return readKeyValue(r, s, expireAt)
}

func readKeyValue(r *bufio.Reader, s *store.Store, expireAt int64) error {
	key, err := decodeString(r)
	if err != nil {
		return err
	}
	val, err := decodeString(r)
	if err != nil {
		return err
	}
	s.Set(string(key), store.Value{Kind: store.KindString, Str: val, ExpireAt: expireAt})
	return nil
}
