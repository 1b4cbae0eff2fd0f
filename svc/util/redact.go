package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"unicode/utf8"
)

// RedactPasteContent keeps a short prefix and suffix of a paste for log
// correlation. Cuts land on rune boundaries.
func RedactPasteContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if utf8.RuneCountInString(content) <= 20 {
		return "[REDACTED]"
	}
	runes := []rune(content)
	return string(runes[:10]) + "...[REDACTED]..." + string(runes[len(runes)-10:])
}

func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
