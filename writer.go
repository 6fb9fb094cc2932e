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
	"io"
	"unicode/utf16"
)

// Sector-size break-even points from §4.6 step 1. 6.8 GiB and 436 GiB
// expressed as exact byte counts, since Go won't implicitly truncate a
// floating-point constant into an integer conversion.
const (
	sectorSizeBreakEven uint64 = 7301444403   // ~6.8 GiB
	maxSupportedSize    uint64 = 468151435264 // ~436 GiB
)

// WriteOptions tunes Write's behavior. The zero value chooses sector
// size automatically per §4.6 step 1.
type WriteOptions struct {
	// ForceSectorSize overrides automatic sector-size selection (must be
	// 512 or 4096). Zero means automatic.
	ForceSectorSize uint32
}

func chooseSectorSize(projected uint64, forced uint32) (uint32, error) {
	if forced == 512 || forced == 4096 {
		return forced, nil
	}
	if projected > maxSupportedSize {
		return 0, errorf(Unsupported, "projected output size %d exceeds the maximum this core supports without DIFAT sectors", projected)
	}
	if projected > sectorSizeBreakEven {
		return 4096, nil
	}
	return 512, nil
}

// wnode is the writer's mutable working copy of a tree node: entries
// read from the source image keep a reference back to their Entry for
// streamHandle to pull bytes from; synthesized signature nodes carry
// their payload directly.
type wnode struct {
	Name         string
	nameBytes    []byte
	nameUnits    []uint16
	Type         uint8
	CLSID        [16]byte
	StateBits    [4]byte
	CreateDate   [8]byte
	ModifiedDate [8]byte
	Size         uint64
	StartSector  uint32

	Children []*wnode
	source   *Entry
	payload  []byte

	outID       uint32
	siblingsRef []*wnode
	siblingIdx  int
}

func (n *wnode) isStream() bool  { return n.Type == objStream }
func (n *wnode) isStorage() bool { return n.Type == objStorage || n.Type == objRootStorage }

func buildWriteTree(tree *Tree, e *Entry) *wnode {
	n := &wnode{
		Name:         e.Name,
		nameBytes:    e.nameBytes,
		nameUnits:    e.nameUnits,
		Type:         e.Type,
		CLSID:        e.CLSID,
		StateBits:    e.StateBits,
		CreateDate:   e.CreateDate,
		ModifiedDate: e.ModifiedDate,
		Size:         e.Size,
		source:       e,
	}
	for _, id := range e.Children {
		c := tree.Entry(id)
		if c == nil || c.Type == objUnknown {
			continue
		}
		n.Children = append(n.Children, buildWriteTree(tree, c))
	}
	return n
}

// replaceRootChild implements §4.6 step 2's replacement policy: find a
// same-named child of root, refuse if it is a storage, remove it
// otherwise, then (unless remove is true) append a fresh stream node
// carrying payload.
func replaceRootChild(root *wnode, nameBytes []byte, name string, payload []byte, remove bool) error {
	idx := -1
	for i, c := range root.Children {
		if bytesEqualConst(c.nameBytes, nameBytes) {
			idx = i
			break
		}
	}
	if idx >= 0 {
		if !root.Children[idx].isStream() {
			return errorf(InvalidArgument, "refusing to replace storage %q with a signature stream", name)
		}
		logWarn("replacing existing signature stream", "name", name, "oldSize", root.Children[idx].Size)
		root.Children = append(root.Children[:idx:idx], root.Children[idx+1:]...)
	}
	if remove {
		return nil
	}
	root.Children = append(root.Children, &wnode{
		Name:      name,
		nameBytes: nameBytes,
		nameUnits: utf16.Encode([]rune(name)),
		Type:      objStream,
		payload:   payload,
		Size:      uint64(len(payload)),
	})
	return nil
}

// insertSignatures applies §4.6 step 2 for both signature streams. An
// empty payload is treated as "no signature requested" for both names,
// symmetric with MsiDigitalSignatureEx's explicit "otherwise delete it"
// rule - this is what makes the §8 identity invariant ("write without
// signatures" reproduces the input's logical tree) hold.
func insertSignatures(root *wnode, pMsi, pMsiEx []byte) error {
	if err := replaceRootChild(root, digitalSignatureNameBytes, "\u0005DigitalSignature", pMsi, len(pMsi) == 0); err != nil {
		return err
	}
	return replaceRootChild(root, msiDigitalSignatureExNameBytes, "\u0005MsiDigitalSignatureEx", pMsiEx, len(pMsiEx) == 0)
}

// writer accumulates the output image's growable structures (regular
// FAT, mini-FAT, mini-stream buffer) while streaming sector-aligned
// payloads straight to sink as they're allocated.
type writer struct {
	img        *Image
	sink       io.WriteSeeker
	sectorSize uint32
	fat        []uint32
	miniFat    []uint32
	miniStream []byte
	header     *headerTemplate
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// allocateRegular pads payload to a sector boundary, writes it to sink,
// and appends a matching FAT chain (the last entry ENDOFCHAIN). It
// returns the starting sector number, or noStreamID if payload is empty.
func (w *writer) allocateRegular(payload []byte) (uint32, error) {
	if len(payload) == 0 {
		return uint32(noStreamID), nil
	}
	start := uint32(len(w.fat))
	n := ceilDiv(len(payload), int(w.sectorSize))
	padded := make([]byte, n*int(w.sectorSize))
	copy(padded, payload)
	if _, err := w.sink.Write(padded); err != nil {
		return 0, wrap(ReadFailed, err, "writing regular sectors")
	}
	for i := 0; i < n; i++ {
		if i == n-1 {
			w.fat = append(w.fat, endOfChain)
		} else {
			w.fat = append(w.fat, uint32(len(w.fat))+1)
		}
	}
	return start, nil
}

// writeRawSectors writes buf (already an exact multiple of sectorSize)
// directly to sink and appends one FAT entry per sector, all chained to
// ENDOFCHAIN; used for structures (mini-FAT, directory) the writer
// builds as flat byte buffers up front.
func (w *writer) writeRawSectors(buf []byte) (uint32, error) {
	start := uint32(len(w.fat))
	if _, err := w.sink.Write(buf); err != nil {
		return 0, wrap(ReadFailed, err, "writing sectors")
	}
	n := len(buf) / int(w.sectorSize)
	for i := 0; i < n; i++ {
		if i == n-1 {
			w.fat = append(w.fat, endOfChain)
		} else {
			w.fat = append(w.fat, uint32(len(w.fat))+1)
		}
	}
	return start, nil
}

// allocateMini appends payload, padded to a mini-sector boundary, to the
// accumulating mini-stream buffer and extends the mini-FAT with a
// matching chain. Nothing is written to sink here; the mini-stream is
// flushed as a whole in ministreamSave.
func (w *writer) allocateMini(payload []byte) uint32 {
	if len(payload) == 0 {
		return uint32(noStreamID)
	}
	start := uint32(len(w.miniFat))
	n := ceilDiv(len(payload), int(miniStreamSectorSize))
	padded := make([]byte, n*int(miniStreamSectorSize))
	copy(padded, payload)
	w.miniStream = append(w.miniStream, padded...)
	for i := 0; i < n; i++ {
		if i == n-1 {
			w.miniFat = append(w.miniFat, endOfChain)
		} else {
			w.miniFat = append(w.miniFat, uint32(len(w.miniFat))+1)
		}
	}
	return start
}

// streamHandle is §4.6 step 3: a pre-order traversal assigning bytes and
// sector placement to every stream node.
func (w *writer) streamHandle(n *wnode) error {
	for _, c := range n.Children {
		switch {
		case c.isStream():
			payload := c.payload
			if payload == nil && c.source != nil {
				buf := make([]byte, c.source.Size)
				if _, err := w.img.Read(c.source, 0, buf); err != nil {
					return err
				}
				payload = buf
			}
			c.Size = uint64(len(payload))
			if len(payload) == 0 {
				c.StartSector = uint32(noStreamID)
			} else if uint64(len(payload)) < miniStreamCutoff {
				c.StartSector = w.allocateMini(payload)
			} else {
				start, err := w.allocateRegular(payload)
				if err != nil {
					return err
				}
				c.StartSector = start
			}
		case c.isStorage():
			if err := w.streamHandle(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// ministreamSave is §4.6 step 4.
func (w *writer) ministreamSave(root *wnode) error {
	root.StartSector = uint32(len(w.fat))
	root.Size = uint64(len(w.miniStream))
	if len(w.miniStream) == 0 {
		root.StartSector = uint32(noStreamID)
		return nil
	}
	if _, err := w.allocateRegular(w.miniStream); err != nil {
		return err
	}
	return nil
}

// minifatSave is §4.6 step 5.
func (w *writer) minifatSave() error {
	if len(w.miniFat) == 0 {
		w.header.fields.MiniFatSectorLoc = endOfChain
		w.header.fields.NumMiniFatSectors = 0
		return nil
	}
	w.header.fields.MiniFatSectorLoc = uint32(len(w.fat))
	entries := append(append([]uint32(nil), w.miniFat...), endOfChain)
	buf := make([]byte, len(entries)*4)
	for i, v := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	perSector := int(w.sectorSize)
	padded := ceilDiv(len(buf), perSector) * perSector
	if padded > len(buf) {
		pad := make([]byte, padded-len(buf))
		for i := range pad {
			pad[i] = 0xFF // FREESECT, byte-repeated
		}
		buf = append(buf, pad...)
	}
	if _, err := w.writeRawSectors(buf); err != nil {
		return err
	}
	w.header.fields.NumMiniFatSectors = uint32(len(buf) / int(w.sectorSize))
	return nil
}

// sortedChildren orders n's children by dirent_cmp_tree (§4.6 step 6)
// and records each child's position for its right-sibling link.
func sortedChildren(n *wnode) []*wnode {
	out := append([]*wnode(nil), n.Children...)
	sortNodes(out, direntCmpTreeW)
	for i, c := range out {
		c.siblingsRef = out
		c.siblingIdx = i
	}
	return out
}

func direntCmpTreeW(a, b *wnode) int {
	la, lb := len(a.nameUnits), len(b.nameUnits)
	if la != lb {
		if la < lb {
			return -1
		}
		return 1
	}
	for i := 0; i < la; i++ {
		if a.nameUnits[i] != b.nameUnits[i] {
			if a.nameUnits[i] < b.nameUnits[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func sortNodes(ns []*wnode, cmp func(a, b *wnode) int) {
	for i := 1; i < len(ns); i++ {
		for j := i; j > 0 && cmp(ns[j-1], ns[j]) > 0; j-- {
			ns[j-1], ns[j] = ns[j], ns[j-1]
		}
	}
}

// direntsSave linearizes the tree in pre-order, assigning each node a
// sequential outID, and serializes the right-linked-chain form §4.6
// step 6 describes: leftSiblingID always NOSTREAM, rightSiblingID of
// child i is child i+1's outID, childID is a storage's first sorted
// child.
func direntsSave(root *wnode) []*wnode {
	var flat []*wnode
	var rec func(n *wnode)
	rec = func(n *wnode) {
		n.outID = uint32(len(flat))
		flat = append(flat, n)
		for _, c := range sortedChildren(n) {
			rec(c)
		}
	}
	rec(root)
	return flat
}

func (n *wnode) childID() EntryID {
	if len(n.Children) == 0 {
		return EntryID(noStreamID)
	}
	return EntryID(sortedChildren(n)[0].outID)
}

func (n *wnode) rightSibID() EntryID {
	if n.siblingsRef == nil || n.siblingIdx+1 >= len(n.siblingsRef) {
		return EntryID(noStreamID)
	}
	return EntryID(n.siblingsRef[n.siblingIdx+1].outID)
}

func (w *writer) directorySave(root *wnode) error {
	w.header.fields.DirectorySectorLoc = uint32(len(w.fat))
	flat := direntsSave(root)
	perSector := int(w.sectorSize / dirEntrySize)
	total := ceilDiv(len(flat), perSector) * perSector
	buf := make([]byte, total*int(dirEntrySize))
	for i, n := range flat {
		raw := rawDirEntry{
			Color:             black,
			LeftSibID:         uint32(noStreamID),
			RightSibID:        uint32(n.rightSibID()),
			ChildID:           uint32(n.childID()),
			CLSID:             n.CLSID,
			StateBits:         n.StateBits,
			CreateDate:        n.CreateDate,
			ModifiedDate:      n.ModifiedDate,
			StartingSectorLoc: n.StartSector,
			StreamSize:        n.Size,
			ObjectType:        n.Type,
		}
		nameLen := 0
		if len(n.nameUnits) > 0 {
			units := n.nameUnits
			if len(units) > 32 {
				units = units[:32]
			}
			copy(raw.RawName[:], units)
			nameLen = (len(units) + 1) * 2
		}
		raw.NameLength = uint16(nameLen)
		encodeRawDirEntry(buf[i*int(dirEntrySize):(i+1)*int(dirEntrySize)], raw)
	}
	for i := len(flat); i < total; i++ {
		raw := rawDirEntry{LeftSibID: uint32(noStreamID), RightSibID: uint32(noStreamID), ChildID: uint32(noStreamID)}
		encodeRawDirEntry(buf[i*int(dirEntrySize):(i+1)*int(dirEntrySize)], raw)
	}
	if _, err := w.writeRawSectors(buf); err != nil {
		return err
	}
	if w.sectorSize == 4096 {
		w.header.fields.NumDirectorySectors = uint32(total / perSector)
	}
	return nil
}

// fatSave is §4.6 step 7.
func (w *writer) fatSave() error {
	entriesPerSector := int(w.sectorSize / 4)
	r := ceilDiv(len(w.fat), entriesPerSector)
	fatSectorsCount := ceilDiv(len(w.fat)*4+4*r, int(w.sectorSize))
	if fatSectorsCount > 109 {
		return errorf(Unsupported, "output requires %d FAT sectors, more than the 109 header DIFAT slots support", fatSectorsCount)
	}
	difatStart := uint32(len(w.fat))
	for i := 0; i < fatSectorsCount; i++ {
		w.fat = append(w.fat, fatSect)
	}
	n := fatSectorsCount
	if n > 109 {
		n = 109
	}
	for i := 0; i < n; i++ {
		w.header.fields.InitialDifats[i] = difatStart + uint32(i)
	}
	total := fatSectorsCount * entriesPerSector
	for len(w.fat) < total {
		w.fat = append(w.fat, freeSect)
	}
	buf := make([]byte, len(w.fat)*4)
	for i, v := range w.fat {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	if _, err := w.sink.Write(buf); err != nil {
		return wrap(ReadFailed, err, "writing FAT sectors")
	}
	w.header.fields.NumFatSectors = uint32(fatSectorsCount)
	return nil
}

// headerSave is §4.6 step 8.
func (w *writer) headerSave() error {
	if _, err := w.sink.Seek(0, io.SeekStart); err != nil {
		return wrap(ReadFailed, err, "seeking to header")
	}
	buf := make([]byte, w.sectorSize)
	encodeHeader(buf, &w.header.fields)
	if _, err := w.sink.Write(buf); err != nil {
		return wrap(ReadFailed, err, "writing header")
	}
	return nil
}

// Write rewrites img's container with up to two signature streams
// inserted at the root, per §4.6, producing a fresh CFB image on sink.
// pMsiEx may be nil/empty, in which case MsiDigitalSignatureEx is
// omitted (or removed, if tree already carries one).
func Write(img *Image, tree *Tree, pMsi, pMsiEx []byte, sink io.WriteSeeker) error {
	return WriteWithOptions(img, tree, pMsi, pMsiEx, sink, WriteOptions{})
}

// WriteWithOptions is Write with explicit sector-size control.
func WriteWithOptions(img *Image, tree *Tree, pMsi, pMsiEx []byte, sink io.WriteSeeker, opts WriteOptions) error {
	projected := uint64(img.Size()) + uint64(len(pMsi)) + uint64(len(pMsiEx))
	sectorSize, err := chooseSectorSize(projected, opts.ForceSectorSize)
	if err != nil {
		return err
	}
	logDebug("writing CFB image", "sectorSize", sectorSize, "projected", projected)

	root := buildWriteTree(tree, tree.Root())
	if err := insertSignatures(root, pMsi, pMsiEx); err != nil {
		return err
	}

	w := &writer{
		img:        img,
		sink:       sink,
		sectorSize: sectorSize,
		header:     newHeaderTemplate(sectorSize, minorVersionForWrite()),
	}
	// reserve the header's sector
	if _, err := w.sink.Write(make([]byte, w.sectorSize)); err != nil {
		return wrap(ReadFailed, err, "reserving header sector")
	}

	if err := w.streamHandle(root); err != nil {
		return err
	}
	if err := w.ministreamSave(root); err != nil {
		return err
	}
	if err := w.minifatSave(); err != nil {
		return err
	}
	if err := w.directorySave(root); err != nil {
		return err
	}
	if err := w.fatSave(); err != nil {
		return err
	}
	return w.headerSave()
}

// minorVersionForWrite returns 0x003E, the canonical minor version for
// both major version 3 and 4 CFB files; the writer always synthesizes a
// brand new header rather than patching the input's.
func minorVersionForWrite() uint16 { return 0x003E }
