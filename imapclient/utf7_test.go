package imapclient

import (
	"errors"
	"fmt"
	"testing"
)

func TestUTF7(t *testing.T) {
	check := func(input string, output string, expErr error) {
		t.Helper()

		r, err := UTF7Decode(input)
		if r != output {
			t.Fatalf("got %q, expected %q (err %v), for input %q", r, output, err, input)
		}
		if (expErr == nil) != (err == nil) || err != nil && !errors.Is(err, expErr) {
			t.Fatalf("got err %v, expected %v", err, expErr)
		}
		if expErr == nil {
			expInput := UTF7Encode(output)
			if expInput != input {
				t.Fatalf("encoding, got %s, expected %s", expInput, input)
			}
		}
	}

	check("Inbox", "Inbox", nil)
	check("&AMk-l&AOk-ments envoy&AOk-s", "Éléments envoyés", nil)
	check("Archive/&ZeVnLIqe-", "Archive/日本語", nil)
	check("&-", "&", nil)
	check("R&-D", "R&D", nil)
	check("&2D3eAA-", "😀", nil)
	check("&ZeVn", "", errUTF7UnfinishedShift)
	check("&AMk-&-", "", errUTF7SuperfluousShift)
	check("&AGE-", "", errUTF7UnneededShift) // Just 'a'.
	check("&YQ-", "", errUTF7OddSized)
	check(fmt.Sprintf("&%s-", utf7encoding.EncodeToString([]byte{0xd8, 0x3d})), "", errUTF7BadSurrogate) // Lone high surrogate.
}
