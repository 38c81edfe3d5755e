package main

import (
	"strings"
	"testing"
)

func TestCommandUsage(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range cmds {
		name := strings.Join(c.words, " ")
		if seen[name] {
			t.Fatalf("duplicate command %q", name)
		}
		seen[name] = true

		c.gather()
		if c.help == "" {
			t.Fatalf("command %q without help", name)
		}
		usage := c.makeUsage()
		if !strings.HasPrefix(usage, "usage: mailsync "+name) {
			t.Fatalf("command %q, unexpected usage %q", name, usage)
		}
	}
}
