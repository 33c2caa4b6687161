package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContainerName turns a chat id into a browsable container name: characters
// that mailbox and file systems treat specially are replaced with '_'. When
// anything was replaced, a short hash of the raw id is appended so that ids
// differing only in those characters stay apart.
func ContainerName(chatID string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '%', '&':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, chatID)
	if name == chatID {
		return name
	}
	sum := sha256.Sum256([]byte(chatID))
	return name + "-" + hex.EncodeToString(sum[:4])
}
