package tiffx

import (
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Well-known tags.
const (
	TagImageWidth      uint16 = 0x0100
	TagImageLength     uint16 = 0x0101
	TagMake            uint16 = 0x010F
	TagModel           uint16 = 0x0110
	TagOrientation     uint16 = 0x0112
	TagXResolution     uint16 = 0x011A
	TagThumbnailOffset uint16 = 0x0201
	TagThumbnailLength uint16 = 0x0202
	TagXMP             uint16 = 0x02BC
	TagIPTC            uint16 = 0x83BB
	TagExifIFD         uint16 = 0x8769
	TagICC             uint16 = 0x8773
	TagGPSIFD          uint16 = 0x8825
	TagInteropIFD      uint16 = 0xA005
)

// Entry is one decoded IFD entry.
type Entry struct {
	Tag   uint16
	Type  Type
	Count uint32
	Value interface{}

	raw []byte // undecoded value bytes, kept for payload tags only
}

// Block is an IFD as an insertion-ordered tag map.
type Block struct {
	Name    string
	entries []Entry
	index   map[uint16]int
}

// NewBlock returns an empty block.
func NewBlock(name string) *Block {
	return &Block{Name: name, index: make(map[uint16]int)}
}

// Set adds e, replacing an existing entry with the same tag in place.
func (b *Block) Set(e Entry) {
	if i, ok := b.index[e.Tag]; ok {
		b.entries[i] = e
		return
	}
	b.index[e.Tag] = len(b.entries)
	b.entries = append(b.entries, e)
}

// Get returns the entry for tag.
func (b *Block) Get(tag uint16) (Entry, bool) {
	i, ok := b.index[tag]
	if !ok {
		return Entry{}, false
	}
	return b.entries[i], true
}

// Delete removes tag.
func (b *Block) Delete(tag uint16) {
	i, ok := b.index[tag]
	if !ok {
		return
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	delete(b.index, tag)
	for j := i; j < len(b.entries); j++ {
		b.index[b.entries[j].Tag] = j
	}
}

// Len returns the number of entries.
func (b *Block) Len() int {
	return len(b.entries)
}

// Entries returns the entries in file order.
func (b *Block) Entries() []Entry {
	return b.entries
}

// Uint returns an unsigned integer tag. For arrays the first element is used.
func (b *Block) Uint(tag uint16) (uint64, bool) {
	e, ok := b.Get(tag)
	if !ok {
		return 0, false
	}
	switch v := e.Value.(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case []byte:
		if len(v) > 0 {
			return uint64(v[0]), true
		}
	case []uint16:
		if len(v) > 0 {
			return uint64(v[0]), true
		}
	case []uint32:
		if len(v) > 0 {
			return uint64(v[0]), true
		}
	}
	return 0, false
}

// String returns an ASCII tag.
func (b *Block) String(tag uint16) (string, bool) {
	e, ok := b.Get(tag)
	if !ok {
		return "", false
	}
	s, ok := e.Value.(string)
	return s, ok
}

// Float returns a rational or floating point tag.
func (b *Block) Float(tag uint16) (float64, bool) {
	e, ok := b.Get(tag)
	if !ok {
		return 0, false
	}
	switch v := e.Value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case []float64:
		if len(v) > 0 {
			return v[0], true
		}
	}
	return 0, false
}

const maxInlineBytes = 32

// MarshalYAML writes the block as a mapping from hex tag to value, in file
// order. Long byte arrays are summarized.
func (b *Block) MarshalYAML() (interface{}, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range b.entries {
		k := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: fmt.Sprintf("0x%04X", e.Tag)}
		v := &yaml.Node{}
		var val interface{} = e.Value
		if p, ok := val.([]byte); ok {
			if len(p) > maxInlineBytes {
				val = fmt.Sprintf("<%d bytes>", len(p))
			} else {
				val = hex.EncodeToString(p)
			}
		}
		if err := v.Encode(val); err != nil {
			return nil, fmt.Errorf("encode tag 0x%04X: %w", e.Tag, err)
		}
		n.Content = append(n.Content, k, v)
	}
	return n, nil
}
