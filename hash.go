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
	"hash"
)

// direntCmpHash orders two entries for content-hash traversal: a
// byte-wise comparison of the raw little-endian name bytes, with the
// longer name sorting first on a common-prefix tie. This is memcmp
// semantics, not string or code-unit comparison - see DESIGN.md §9(a)
// for why this differs from direntCmpTree.
func direntCmpHash(a, b *Entry) int {
	la, lb := len(a.nameBytes), len(b.nameBytes)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a.nameBytes[i] != b.nameBytes[i] {
			if a.nameBytes[i] < b.nameBytes[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case la == lb:
		return 0
	case la > lb:
		return -1
	default:
		return 1
	}
}

// direntCmpTree orders two entries for directory-tree linearization: by
// name length first (in UTF-16 code units), then by code-unit value.
// This is the corrected form of the Open Question in DESIGN.md §9(a):
// every code unit implied by the name length is compared, not all but
// the last.
func direntCmpTree(a, b *Entry) int {
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

// isRootSignature reports whether e is one of the two well-known
// root-level signature streams, matched by raw name bytes.
func isRootSignature(e *Entry) bool {
	return bytesEqualConst(e.nameBytes, digitalSignatureNameBytes) ||
		bytesEqualConst(e.nameBytes, msiDigitalSignatureExNameBytes)
}

// hashStream writes entry's full stream content into h in one Read
// call sized exactly entry.Size, so the mini/regular routing decision
// (by requested length, §9(b)) always matches the entry's actual
// on-disk domain rather than risking a short final chunk tipping a
// large stream's last read into the wrong routing.
func hashStream(img *Image, entry *Entry, h hash.Hash) error {
	if entry.Size == 0 {
		return nil
	}
	buf := make([]byte, entry.Size)
	n, err := img.Read(entry, 0, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errorf(ReadFailed, "short read on stream %q: got %d want %d", entry.Name, n, len(buf))
	}
	h.Write(buf)
	return nil
}

// ContentHash feeds tree's stream bytes and storage CLSIDs into h in
// content-hash traversal order (§4.5): at each storage level, entries
// are visited sorted by direntCmpHash; root-level DigitalSignature and
// MsiDigitalSignatureEx streams are skipped since they are themselves
// the artifact being produced.
func ContentHash(img *Image, tree *Tree, h hash.Hash) error {
	return contentHashDir(img, tree, tree.Root(), h, true)
}

func contentHashDir(img *Image, tree *Tree, dir *Entry, h hash.Hash, isRoot bool) error {
	kids := sortedByHash(tree, dir.Children)
	for _, e := range kids {
		if isRoot && isRootSignature(e) {
			continue
		}
		switch {
		case e.IsStream():
			if err := hashStream(img, e, h); err != nil {
				return err
			}
		case e.IsStorage():
			if err := contentHashDir(img, tree, e, h, false); err != nil {
				return err
			}
		}
	}
	h.Write(dir.CLSID[:])
	return nil
}

func sortedByHash(tree *Tree, ids []EntryID) []*Entry {
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e := tree.Entry(id); e != nil {
			out = append(out, e)
		}
	}
	insertionSort(out, direntCmpHash)
	return out
}

func insertionSort(es []*Entry, cmp func(a, b *Entry) int) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && cmp(es[j-1], es[j]) > 0; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

// MetadataPrehash feeds tree's structural metadata - names,
// sizes, timestamps, CLSIDs, state bits - into h in the same traversal
// order as ContentHash, per §4.5's metadata pre-hash pass. Unlike
// ContentHash, it never reads stream bytes, so it takes no Image.
func MetadataPrehash(tree *Tree, h hash.Hash) error {
	return prehashDir(tree, tree.Root(), h, true)
}

// prehashDir emits dir's own metadata, then its children's, in
// dirent_cmp_hash order, recursing into storages. Root-level signature
// streams are skipped, same as ContentHash.
func prehashDir(tree *Tree, dir *Entry, h hash.Hash, isRoot bool) error {
	emitMetadata(dir, h, isRoot)
	kids := sortedByHash(tree, dir.Children)
	for _, e := range kids {
		if isRoot && isRootSignature(e) {
			continue
		}
		switch {
		case e.IsStream():
			emitMetadata(e, h, false)
		case e.IsStorage():
			if err := prehashDir(tree, e, h, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitMetadata writes one entry's structural fields per §4.5: the root
// emits only its CLSID and state bits (no name, no timestamps); a
// non-root storage emits name, CLSID, state bits, and both timestamps;
// a stream emits name, the low 4 bytes of its size, state bits, and
// both timestamps.
func emitMetadata(e *Entry, h hash.Hash, isRoot bool) {
	if !isRoot {
		h.Write(e.nameBytes)
	}
	if e.IsStorage() {
		h.Write(e.CLSID[:])
	} else {
		var sz [4]byte
		binary.LittleEndian.PutUint32(sz[:], uint32(e.Size))
		h.Write(sz[:])
	}
	h.Write(e.StateBits[:])
	if !isRoot {
		h.Write(e.CreateDate[:])
		h.Write(e.ModifiedDate[:])
	}
}

// FileDigest hashes data through h in 16 MiB chunks and returns
// h.Sum(nil), for whole-image digests a caller takes over the raw
// signed output rather than the structured passes above.
func FileDigest(data []byte, h hash.Hash) ([]byte, error) {
	const chunk = 16 << 20
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := h.Write(data[off:end]); err != nil {
			return nil, wrap(ReadFailed, err, "hashing image chunk")
		}
	}
	return h.Sum(nil), nil
}
