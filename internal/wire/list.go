package wire

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/buger/jsonparser"
)

// DeletedSize marks a tombstone entry in a list payload.
const DeletedSize = -1

// ListEntry describes one file in a list payload.
type ListEntry struct {
	Size int64  // DeletedSize for a tombstone
	Hash string // SHA-1 hex, empty when checksums are disabled
}

// FileList maps relative paths to their advertised state.
type FileList map[string]ListEntry

// EncodeList serializes a list payload. Paths are emitted in sorted order
// so payloads are stable.
func EncodeList(list FileList) []byte {
	paths := make([]string, 0, len(list))
	for p := range list {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b bytes.Buffer
	b.WriteByte('{')
	for i, p := range paths {
		if i > 0 {
			b.WriteByte(',')
		}
		e := list[p]
		b.WriteByte('"')
		writeEscaped(&b, p)
		b.WriteString(`":{"s":"`)
		b.WriteString(strconv.FormatInt(e.Size, 10))
		b.WriteByte('"')
		if e.Hash != "" {
			b.WriteString(`,"c":"`)
			b.WriteString(e.Hash)
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte('}')
	return b.Bytes()
}

// ParseList decodes a list payload.
func ParseList(payload []byte) (FileList, error) {
	list := make(FileList)
	err := jsonparser.ObjectEach(payload, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		var e ListEntry
		err := jsonparser.ObjectEach(value, func(k, v []byte, _ jsonparser.ValueType, _ int) error {
			switch string(k) {
			case "s":
				n, err := parseInt(v)
				if err != nil {
					return fmt.Errorf("size for %q: %w", key, err)
				}
				e.Size = n
			case "c":
				e.Hash = string(v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		list[unescape(key)] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse list: %w", err)
	}
	return list, nil
}
