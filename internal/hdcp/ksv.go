package hdcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// KsvSize is the wire size of a Key Selection Vector in bytes.
const KsvSize = 5

// ksvMask selects the 40 significant bits of a KSV.
const ksvMask = 0xFF_FFFF_FFFF

// ksvOnes is the number of set bits a valid KSV carries.
const ksvOnes = 20

// ErrInvalidKsv indicates a KSV string that cannot be parsed or does not
// fit into 40 bits.
var ErrInvalidKsv = errors.New("invalid KSV")

// Ksv is a 40-bit Key Selection Vector stored in the low bits of a uint64.
type Ksv uint64

// IsValidKsv reports whether the low 40 bits of x contain exactly 20 ones.
// Bits above bit 39 are ignored.
func IsValidKsv(x uint64) bool {
	return bits.OnesCount64(x&ksvMask) == ksvOnes
}

// IsValid reports whether k passes the KSV parity rule.
func (k Ksv) IsValid() bool { return IsValidKsv(uint64(k)) }

// String returns the KSV as 10 lowercase hex digits.
func (k Ksv) String() string {
	return fmt.Sprintf("%010x", uint64(k)&ksvMask)
}

// Bytes returns the 5-byte little endian wire form of k.
func (k Ksv) Bytes() []byte {
	return k.AppendBytes(make([]byte, 0, KsvSize))
}

// AppendBytes appends the 5-byte little endian wire form of k to dst.
func (k Ksv) AppendBytes(dst []byte) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k)&ksvMask)
	return append(dst, buf[:KsvSize]...)
}

// MarshalText implements encoding.TextMarshaler.
func (k Ksv) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Ksv) UnmarshalText(text []byte) error {
	v, err := ParseKsv(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// KsvFromBytes decodes a little endian KSV. Only the first KsvSize bytes
// of b are used; a shorter slice is zero extended.
func KsvFromBytes(b []byte) Ksv {
	var buf [8]byte
	copy(buf[:KsvSize], b)
	return Ksv(binary.LittleEndian.Uint64(buf[:]))
}

// ParseKsv parses a hex KSV with an optional 0x prefix. Colons and spaces
// used as byte separators are accepted. Parity is not checked.
func ParseKsv(s string) (Ksv, error) {
	clean := strings.NewReplacer(":", "", " ", "", "_", "").Replace(strings.TrimSpace(s))
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidKsv)
	}

	v, err := strconv.ParseUint(clean, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidKsv, s, err)
	}
	if v&^ksvMask != 0 {
		return 0, fmt.Errorf("%w: %q exceeds 40 bits", ErrInvalidKsv, s)
	}

	return Ksv(v), nil
}
