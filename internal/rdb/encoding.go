package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
)

// encodeString writes b using the smallest applicable form: an integer
// encoding when b is the canonical decimal rendering of an int8/int16/int32
// value, otherwise a length-prefixed raw form sized to fit the length in
// 6, 14, or 32 bits.
func encodeString(w *bufio.Writer, b []byte) error {
	if n, ok := canonicalInt(b); ok {
		switch {
		case n >= -128 && n <= 127:
			if err := w.WriteByte(encInt8); err != nil {
				return err
			}
			return w.WriteByte(byte(int8(n)))
		case n >= -32768 && n <= 32767:
			if err := w.WriteByte(encInt16); err != nil {
				return err
			}
			var buf [2]byte
			binary.LittleEndian.PutUint16(buf[:], uint16(int16(n)))
			_, err := w.Write(buf[:])
			return err
		case n >= -2147483648 && n <= 2147483647:
			if err := w.WriteByte(encInt32); err != nil {
				return err
			}
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(int32(n)))
			_, err := w.Write(buf[:])
			return err
		}
	}
	return encodeRawString(w, b)
}

// canonicalInt reports whether b is exactly the decimal rendering of an
// int64 value (no leading zeros, no "+", no whitespace), so that encoding
// it as an integer and decoding it back reproduces the original bytes.
func canonicalInt(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	if strconv.FormatInt(n, 10) != string(b) {
		return 0, false
	}
	return n, true
}

func encodeRawString(w *bufio.Writer, b []byte) error {
	if err := encodeLength(w, len(b)); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// encodeLength writes just the length header (00/01/10 forms);
// encodeRawString follows it with the payload bytes.
func encodeLength(w *bufio.Writer, length int) error {
	switch {
	case length < 1<<6:
		return w.WriteByte(byte(length))
	case length < 1<<14:
		if err := w.WriteByte(0x40 | byte(length>>8)); err != nil {
			return err
		}
		return w.WriteByte(byte(length))
	default:
		if err := w.WriteByte(0x80); err != nil {
			return err
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(length))
		_, err := w.Write(buf[:])
		return err
	}
}

// decodeString reads one string-encoded value: a length-prefixed raw
// string or one of the three special integer forms rendered back to its
// canonical decimal ASCII form.
func decodeString(r *bufio.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch first >> 6 {
	case 0b00:
		return readExact(r, int(first&0x3F))
	case 0b01:
		second, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		n := (int(first&0x3F) << 8) | int(second)
		return readExact(r, n)
	case 0b10:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		n := int(binary.BigEndian.Uint32(buf[:]))
		return readExact(r, n)
	default: // 0b11: special integer or LZF
		switch first {
		case encInt8:
			b, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			return []byte(strconv.FormatInt(int64(int8(b)), 10)), nil
		case encInt16:
			var buf [2]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			v := int16(binary.LittleEndian.Uint16(buf[:]))
			return []byte(strconv.FormatInt(int64(v), 10)), nil
		case encInt32:
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			v := int32(binary.LittleEndian.Uint32(buf[:]))
			return []byte(strconv.FormatInt(int64(v), 10)), nil
		case encLZF:
			return nil, ErrUnsupportedEncoding
		default:
			return nil, fmt.Errorf("%w: unknown string encoding byte 0x%02x", ErrCorrupt, first)
		}
	}
}

func readExact(r *bufio.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrCorrupt, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return buf, nil
}
