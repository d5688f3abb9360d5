// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package lawicel

const hexDigits = "0123456789ABCDEF"

// ParseDecimal parses exactly len(b) decimal digits.
// Returns false if any byte is not 0-9 or the value does not fit 32 bits.
func ParseDecimal(b []byte) (uint32, bool) {
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
		if v > 0xFFFFFFFF {
			return 0, false
		}
	}
	return uint32(v), true
}

// ParseHex parses exactly len(b) hex digits, either case.
// Returns false on any other byte or when more than 8 digits are given.
func ParseHex(b []byte) (uint32, bool) {
	if len(b) > 8 {
		return 0, false
	}
	var v uint32
	for _, c := range b {
		n, ok := hexValue(c)
		if !ok {
			return 0, false
		}
		v = v<<4 | uint32(n)
	}
	return v, true
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// HexDigit returns the uppercase hex digit for the low nybble of v.
func HexDigit(v uint32) byte {
	return hexDigits[v&0x0F]
}

// AppendHex appends the low width nybbles of v, most significant first.
func AppendHex(dst []byte, v uint32, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, HexDigit(v>>(4*uint(i))))
	}
	return dst
}

// AppendHex2 appends a byte as two hex digits.
func AppendHex2(dst []byte, b byte) []byte {
	return append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
}
