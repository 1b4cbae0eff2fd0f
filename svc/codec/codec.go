// Package codec encodes pastes in protobuf wire format:
//
//	field 1 id        varint
//	field 2 content   bytes
//	field 3 timestamp varint
//
// All three fields are always written, in that order. Decode accepts them in
// any order but requires each exactly once.
package codec

import (
	"fmt"
	"pastebin/pkg/domain"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxSize bounds every encoded record.
const MaxSize = 1024

const (
	fieldID        protowire.Number = 1
	fieldContent   protowire.Number = 2
	fieldTimestamp protowire.Number = 3
)

func Size(p domain.Paste) int {
	return protowire.SizeTag(fieldID) + protowire.SizeVarint(p.ID) +
		protowire.SizeTag(fieldContent) + protowire.SizeBytes(len(p.Content)) +
		protowire.SizeTag(fieldTimestamp) + protowire.SizeVarint(p.Timestamp)
}

// Encode fails with domain.ErrOversize when the result would exceed MaxSize.
func Encode(p domain.Paste) ([]byte, error) {
	if n := Size(p); n > MaxSize {
		return nil, domain.Oversize(n, MaxSize)
	}
	b := make([]byte, 0, Size(p))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, p.ID)
	b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
	b = protowire.AppendString(b, p.Content)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Timestamp)
	return b, nil
}

// Decode fails with domain.ErrCorruptRecord on anything Encode could not
// have produced.
func Decode(b []byte) (domain.Paste, error) {
	var p domain.Paste
	if len(b) > MaxSize {
		return p, domain.Corrupt(fmt.Sprintf("record is %d bytes, limit %d", len(b), MaxSize))
	}
	var seen [4]bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, domain.Corrupt("bad tag: " + protowire.ParseError(n).Error())
		}
		b = b[n:]
		if num < fieldID || num > fieldTimestamp {
			return p, domain.Corrupt(fmt.Sprintf("unknown field %d", num))
		}
		if seen[num] {
			return p, domain.Corrupt(fmt.Sprintf("field %d repeated", num))
		}
		seen[num] = true
		want := protowire.VarintType
		if num == fieldContent {
			want = protowire.BytesType
		}
		if typ != want {
			return p, domain.Corrupt(fmt.Sprintf("field %d has wire type %d", num, typ))
		}
		switch num {
		case fieldID, fieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, domain.Corrupt(fmt.Sprintf("field %d: %v", num, protowire.ParseError(n)))
			}
			b = b[n:]
			if num == fieldID {
				p.ID = v
			} else {
				p.Timestamp = v
			}
		case fieldContent:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, domain.Corrupt(fmt.Sprintf("content: %v", protowire.ParseError(n)))
			}
			b = b[n:]
			if !utf8.Valid(v) {
				return p, domain.Corrupt("content is not valid UTF-8")
			}
			p.Content = string(v)
		}
	}
	for _, num := range []protowire.Number{fieldID, fieldContent, fieldTimestamp} {
		if !seen[num] {
			return domain.Paste{}, domain.Corrupt(fmt.Sprintf("field %d missing", num))
		}
	}
	return p, nil
}
