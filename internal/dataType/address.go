package dataType

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	AddressParsingStrict  = "strict"
	AddressParsingLenient = "lenient"
)

var ErrParseAddress = errors.New("malformed ipv4 address")

// Address is an IPv4 address. The first dotted octet is kept in the lowest
// byte, which is the order the four source bytes have in an IPv4 header.
type Address uint32

// Parser converts dotted-decimal text to an Address.
type Parser func(text string) (Address, error)

func AddressFrom4(b [4]byte) Address {
	return Address(binary.LittleEndian.Uint32(b[:]))
}

// AddressFromIP returns false for anything that is not an IPv4 address.
func AddressFromIP(ip net.IP) (Address, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, false
	}
	return Address(binary.LittleEndian.Uint32(ip4)), true
}

func (a Address) Octets() [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(a))
	return b
}

func (a Address) String() string {
	var buf [15]byte
	return string(a.AppendText(buf[:0]))
}

// AppendText appends the dotted-decimal form of a to dst.
func (a Address) AppendText(dst []byte) []byte {
	b := a.Octets()
	for i, o := range b {
		if i > 0 {
			dst = append(dst, '.')
		}
		dst = strconv.AppendUint(dst, uint64(o), 10)
	}
	return dst
}

// ParserFor returns the parser configured by address_parsing.
func ParserFor(mode string) (Parser, error) {
	switch mode {
	case "", AddressParsingStrict:
		return ParseAddress, nil
	case AddressParsingLenient:
		return ParseAddressLenient, nil
	default:
		return nil, fmt.Errorf("unknown address parsing mode: %s", mode)
	}
}

func trimAddressText(text string) string {
	if i := strings.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// ParseAddress accepts exactly four decimal fields in 0..255.
func ParseAddress(text string) (Address, error) {
	s := trimAddressText(text)
	var b [4]byte
	for i := 0; i < 4; i++ {
		end := strings.IndexByte(s, '.')
		if i == 3 {
			if end >= 0 {
				return 0, fmt.Errorf("%w: %q has too many fields", ErrParseAddress, text)
			}
			end = len(s)
		} else if end < 0 {
			return 0, fmt.Errorf("%w: %q has too few fields", ErrParseAddress, text)
		}
		field := s[:end]
		if len(field) == 0 || len(field) > 3 {
			return 0, fmt.Errorf("%w: %q", ErrParseAddress, text)
		}
		v := 0
		for j := 0; j < len(field); j++ {
			c := field[j]
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("%w: %q", ErrParseAddress, text)
			}
			v = v*10 + int(c-'0')
		}
		if v > 255 {
			return 0, fmt.Errorf("%w: octet %d out of range in %q", ErrParseAddress, v, text)
		}
		b[i] = byte(v)
		if i < 3 {
			s = s[end+1:]
		}
	}
	return AddressFrom4(b), nil
}

// ParseAddressLenient reads four "%d" fields and keeps the low 8 bits of
// each, so "300.1.1.1" becomes 44.1.1.1. Text after the fourth field is
// ignored.
func ParseAddressLenient(text string) (Address, error) {
	s := text
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	var b [4]byte
	for i := 0; i < 4; i++ {
		if i > 0 {
			if len(s) == 0 || s[0] != '.' {
				return 0, fmt.Errorf("%w: %q has too few fields", ErrParseAddress, text)
			}
			s = s[1:]
		}
		v, rest, ok := scanInt(s)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrParseAddress, text)
		}
		b[i] = byte(v & 0xFF)
		s = rest
	}
	return AddressFrom4(b), nil
}

// scanInt mirrors scanf's %d: leading whitespace, an optional sign, then at
// least one digit. Overflow wraps.
func scanInt(s string) (int64, string, bool) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r' || s[i] == '\v' || s[i] == '\f') {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	start := i
	var v int64
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		v = v*10 + int64(s[i]-'0')
		i++
	}
	if i == start {
		return 0, s, false
	}
	if neg {
		v = -v
	}
	return v, s[i:], true
}
