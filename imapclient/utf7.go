package imapclient

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Mailbox names are encoded in modified UTF-7, ../rfc/3501:964

const utf7chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var utf7encoding = base64.NewEncoding(utf7chars).WithPadding(base64.NoPadding)

var (
	errUTF7SuperfluousShift = errors.New("utf7: superfluous unshift+shift")
	errUTF7Base64           = errors.New("utf7: bad base64")
	errUTF7OddSized         = errors.New("utf7: odd-sized data")
	errUTF7UnneededShift    = errors.New("utf7: unneeded shift")
	errUTF7UnfinishedShift  = errors.New("utf7: unfinished shift")
	errUTF7BadSurrogate     = errors.New("utf7: bad utf16 surrogates")
)

// UTF7Decode decodes a mailbox name in modified UTF-7 to UTF-8.
func UTF7Decode(s string) (string, error) {
	var r strings.Builder
	var shifted bool
	var b string
	lastunshift := -2

	for i, c := range s {
		if !shifted {
			if c == '&' {
				if lastunshift == i-1 {
					return "", errUTF7SuperfluousShift
				}
				shifted = true
			} else {
				r.WriteRune(c)
			}
			continue
		}

		if c != '-' {
			b += string(c)
			continue
		}

		shifted = false
		lastunshift = i
		if b == "" {
			r.WriteByte('&')
			continue
		}
		buf, err := utf7encoding.DecodeString(b)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", errUTF7Base64, b, err)
		}
		b = ""

		if len(buf)%2 != 0 {
			return "", errUTF7OddSized
		}

		units := make([]uint16, len(buf)/2)
		for j := range units {
			units[j] = uint16(buf[2*j])<<8 | uint16(buf[2*j+1])
		}
		need := false
		for j := 0; j < len(units); j++ {
			u := rune(units[j])
			if utf16.IsSurrogate(u) {
				if j+1 >= len(units) {
					return "", errUTF7BadSurrogate
				}
				u = utf16.DecodeRune(u, rune(units[j+1]))
				if u == utf8.RuneError {
					return "", errUTF7BadSurrogate
				}
				j++
			}
			if u < 0x20 || u > 0x7e || u == '&' {
				need = true
			}
			r.WriteRune(u)
		}
		if !need {
			return "", errUTF7UnneededShift
		}
	}
	if shifted {
		return "", errUTF7UnfinishedShift
	}
	return r.String(), nil
}

// UTF7Encode encodes a UTF-8 mailbox name as modified UTF-7.
func UTF7Encode(s string) string {
	var r strings.Builder
	var pending []rune
	flush := func() {
		if len(pending) == 0 {
			return
		}
		units := utf16.Encode(pending)
		buf := make([]byte, 2*len(units))
		for i, u := range units {
			buf[2*i] = byte(u >> 8)
			buf[2*i+1] = byte(u)
		}
		r.WriteByte('&')
		r.WriteString(utf7encoding.EncodeToString(buf))
		r.WriteByte('-')
		pending = nil
	}
	for _, c := range s {
		if c >= 0x20 && c <= 0x7e {
			flush()
			if c == '&' {
				r.WriteString("&-")
			} else {
				r.WriteRune(c)
			}
			continue
		}
		pending = append(pending, c)
	}
	flush()
	return r.String()
}
