// Copyright 2013 Richard Lehane. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package msicfb

import (
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

// object types
const (
	objUnknown     uint8 = 0x0
	objStorage     uint8 = 0x1
	objStream      uint8 = 0x2
	objRootStorage uint8 = 0x5
)

// color flags
const (
	red   uint8 = 0x0
	black uint8 = 0x1
)

// EntryID is a directory entry's stable identity: its position (index)
// in the flat on-disk directory array. Unlike the teacher, parsing never
// drops a slot to keep this invariant - see DESIGN.md.
type EntryID uint32

// rawDirEntry is the fixed 128-byte on-disk directory record. Field
// names and layout are the teacher's directoryEntryFields verbatim.
type rawDirEntry struct {
	RawName           [32]uint16
	NameLength        uint16
	ObjectType        uint8
	Color             uint8
	LeftSibID         uint32
	RightSibID        uint32
	ChildID           uint32
	CLSID             [16]byte
	StateBits         [4]byte
	CreateDate        [8]byte
	ModifiedDate      [8]byte
	StartingSectorLoc uint32
	StreamSize        uint64
}

var utf16NameDecoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

func parseRawDirEntry(b []byte) rawDirEntry {
	var e rawDirEntry
	for i := 0; i < 32; i++ {
		e.RawName[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	e.NameLength = binary.LittleEndian.Uint16(b[64:66])
	e.ObjectType = b[66]
	e.Color = b[67]
	e.LeftSibID = binary.LittleEndian.Uint32(b[68:72])
	e.RightSibID = binary.LittleEndian.Uint32(b[72:76])
	e.ChildID = binary.LittleEndian.Uint32(b[76:80])
	copy(e.CLSID[:], b[80:96])
	copy(e.StateBits[:], b[96:100])
	copy(e.CreateDate[:], b[100:108])
	copy(e.ModifiedDate[:], b[108:116])
	e.StartingSectorLoc = binary.LittleEndian.Uint32(b[116:120])
	e.StreamSize = binary.LittleEndian.Uint64(b[120:128])
	return e
}

func encodeRawDirEntry(b []byte, e rawDirEntry) {
	for i := 0; i < 32; i++ {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], e.RawName[i])
	}
	binary.LittleEndian.PutUint16(b[64:66], e.NameLength)
	b[66] = e.ObjectType
	b[67] = e.Color
	binary.LittleEndian.PutUint32(b[68:72], e.LeftSibID)
	binary.LittleEndian.PutUint32(b[72:76], e.RightSibID)
	binary.LittleEndian.PutUint32(b[76:80], e.ChildID)
	copy(b[80:96], e.CLSID[:])
	copy(b[96:100], e.StateBits[:])
	copy(b[100:108], e.CreateDate[:])
	copy(b[108:116], e.ModifiedDate[:])
	binary.LittleEndian.PutUint32(b[116:120], e.StartingSectorLoc)
	binary.LittleEndian.PutUint64(b[120:128], e.StreamSize)
}

// Entry is one directory entry, materialized with both a decoded
// display Name and the raw name forms the two traversal comparators
// need: nameBytes (the raw little-endian UTF-16 bytes, NameLength-2
// long, used by direntCmpHash) and nameUnits (the decoded []uint16 code
// units, used by direntCmpTree). These are NOT interchangeable - see
// DESIGN.md §9(a).
type Entry struct {
	ID     EntryID
	Name   string
	Type   uint8
	Color  uint8
	CLSID  [16]byte

	StateBits    [4]byte
	CreateDate   [8]byte
	ModifiedDate [8]byte
	StartSector  uint32
	Size         uint64

	leftSibID, rightSibID, childID EntryID

	nameBytes []byte
	nameUnits []uint16

	Children []EntryID

	outID uint32 // transient output position, set only while writing
}

// IsStream reports whether the entry holds stream data.
func (e *Entry) IsStream() bool { return e.Type == objStream }

// IsStorage reports whether the entry is a storage (including root).
func (e *Entry) IsStorage() bool { return e.Type == objStorage || e.Type == objRootStorage }

func entryIDFromRaw(v uint32) EntryID {
	return EntryID(v)
}

// parseDirectory reads every 128-byte slot of the directory stream,
// keeping unused/unknown slots as their own Entry so each entry's index
// in the returned slice equals its on-disk position - the teacher drops
// objUnknown slots, which breaks that invariant.
func parseDirectory(img *Image) ([]*Entry, error) {
	sn := img.header.DirectorySectorLoc
	perSector := int(img.sectorSize / dirEntrySize)
	var entries []*Entry
	seen := map[uint32]bool{}
	for sn != endOfChain {
		if seen[sn] {
			return nil, errorf(Malformed, "cyclic directory sector chain at %d", sn)
		}
		seen[sn] = true
		for i := 0; i < perSector; i++ {
			buf, err := img.sectorAt(sn, uint32(i)*dirEntrySize, int(dirEntrySize))
			if err != nil {
				return nil, wrap(Malformed, err, "reading directory entry")
			}
			raw := parseRawDirEntry(buf)
			e := &Entry{
				ID:           EntryID(len(entries)),
				Type:         raw.ObjectType,
				Color:        raw.Color,
				CLSID:        raw.CLSID,
				StateBits:    raw.StateBits,
				CreateDate:   raw.CreateDate,
				ModifiedDate: raw.ModifiedDate,
				StartSector:  raw.StartingSectorLoc,
				Size:         raw.StreamSize,
				leftSibID:    entryIDFromRaw(raw.LeftSibID),
				rightSibID:   entryIDFromRaw(raw.RightSibID),
				childID:      entryIDFromRaw(raw.ChildID),
			}
			nlen := 0
			if raw.NameLength > 2 {
				nlen = int(raw.NameLength/2 - 1)
			}
			if nlen > 0 && nlen <= 32 {
				units := append([]uint16(nil), raw.RawName[:nlen]...)
				e.nameUnits = units
				nb := make([]byte, nlen*2)
				for i, u := range units {
					binary.LittleEndian.PutUint16(nb[i*2:i*2+2], u)
				}
				e.nameBytes = nb
				if decoded, err := utf16NameDecoder.String(string(nb)); err == nil {
					e.Name = decoded
				} else {
					e.Name = string(utf16.Decode(units))
				}
			}
			entries = append(entries, e)
		}
		next, err := img.nextSector(sn)
		if err != nil {
			return nil, err
		}
		sn = next
	}
	return entries, nil
}

// Tree is the materialized directory tree: a flat entries arena indexed
// by stable EntryID, with each storage/root entry's Children populated
// in sibling-tree in-order (the logical child-enumeration order).
type Tree struct {
	img     *Image
	entries []*Entry
	root    EntryID
}

// Entry returns the entry with the given ID, or nil if out of range.
func (t *Tree) Entry(id EntryID) *Entry {
	if int(id) < 0 || int(id) >= len(t.entries) {
		return nil
	}
	return t.entries[id]
}

// Root returns the root storage entry.
func (t *Tree) Root() *Entry { return t.entries[t.root] }

// Entries returns every materialized entry, including unused slots,
// indexed by EntryID.
func (t *Tree) Entries() []*Entry { return t.entries }

// BuildTree parses img's directory stream and links every storage's
// children into sibling-tree in-order, the way yamitzky/xlrd-go's
// buildFamilyTree independently derives the same left/self/right/child
// recursion. A visited set guards against a malformed or adversarial
// sibling/child cycle, which the teacher does not check for.
func BuildTree(img *Image) (*Tree, error) {
	entries, err := parseDirectory(img)
	if err != nil {
		return nil, err
	}
	t := &Tree{img: img, entries: entries}
	rootID := EntryID(0)
	found := false
	for _, e := range entries {
		if e.Type == objRootStorage {
			rootID = e.ID
			found = true
			break
		}
	}
	if !found {
		return nil, errorf(Malformed, "no root storage entry in directory")
	}
	t.root = rootID
	if err := img.setupMiniStream(entries[rootID]); err != nil {
		return nil, err
	}
	visited := make(map[EntryID]bool, len(entries))
	for _, e := range entries {
		if !e.IsStorage() {
			continue
		}
		kids, err := attachSiblingChain(entries, e.childID, visited)
		if err != nil {
			return nil, err
		}
		e.Children = kids
	}
	return t, nil
}

// attachSiblingChain performs an in-order walk of the sibling binary
// tree rooted at id (left, self, right), recording every visited ID in
// a tree-global visited set so a cycle anywhere - even one that spans
// two different storages - is caught rather than looping forever.
func attachSiblingChain(entries []*Entry, id EntryID, visited map[EntryID]bool) ([]EntryID, error) {
	if id == noStreamID {
		return nil, nil
	}
	if int(id) >= len(entries) {
		return nil, errorf(Malformed, "sibling ID %d out of range", id)
	}
	if visited[id] {
		return nil, errorf(Malformed, "cycle detected at directory entry %d", id)
	}
	visited[id] = true
	e := entries[id]
	var out []EntryID
	left, err := attachSiblingChain(entries, e.leftSibID, visited)
	if err != nil {
		return nil, err
	}
	out = append(out, left...)
	out = append(out, id)
	right, err := attachSiblingChain(entries, e.rightSibID, visited)
	if err != nil {
		return nil, err
	}
	out = append(out, right...)
	return out, nil
}

// Walk returns a channel that yields every live (non-empty-slot) entry
// in the tree in depth-first, sibling-order sequence, using the
// teacher's goroutine-driven traversal idiom (mscfb.go's Next/iter
// channel) generalized to the arena-based Tree. This is a supplemental
// convenience on top of the spec's required operations - see
// SPEC_FULL.md.
func (t *Tree) Walk() <-chan *Entry {
	ch := make(chan *Entry)
	go func() {
		defer close(ch)
		var visit func(id EntryID)
		visit = func(id EntryID) {
			e := t.Entry(id)
			if e == nil || e.Type == objUnknown {
				return
			}
			ch <- e
			for _, c := range e.Children {
				visit(c)
			}
		}
		visit(t.root)
	}()
	return ch
}

// digitalSignatureNameBytes and msiDigitalSignatureExNameBytes are the
// raw little-endian UTF-16 name bytes (no null terminator) of the two
// well-known root-level signature streams, used for exact byte-for-byte
// matching rather than matching the decoded display Name.
var (
	digitalSignatureNameBytes      = utf16LEBytes("\u0005DigitalSignature")
	msiDigitalSignatureExNameBytes = utf16LEBytes("\u0005MsiDigitalSignatureEx")
)

func utf16LEBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], u)
	}
	return b
}

func bytesEqualConst(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FindSignatures returns the root's existing DigitalSignature and
// MsiDigitalSignatureEx stream entries, if present, matched by exact
// raw name bytes rather than the decoded Name.
func FindSignatures(tree *Tree) (ds, dse *Entry) {
	root := tree.Root()
	for _, id := range root.Children {
		e := tree.Entry(id)
		if e == nil || !e.IsStream() {
			continue
		}
		switch {
		case bytesEqualConst(e.nameBytes, digitalSignatureNameBytes):
			ds = e
		case bytesEqualConst(e.nameBytes, msiDigitalSignatureExNameBytes):
			dse = e
		}
	}
	return
}
