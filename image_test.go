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
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMinimalImage assembles the scenario 1 fixture from spec.md §8: a
// 512-byte-sector v3 CFB image with a root storage and one mini-resident
// stream "S" containing "hello".
func buildMinimalImage() []byte {
	const ss = 512
	buf := make([]byte, ss+4*ss) // header + ministream + minifat + directory + fat

	// header
	binary.LittleEndian.PutUint64(buf[0:8], signature)
	binary.LittleEndian.PutUint16(buf[24:26], 0x003E)
	binary.LittleEndian.PutUint16(buf[26:28], 3)
	binary.LittleEndian.PutUint16(buf[28:30], 0xFFFE)
	binary.LittleEndian.PutUint16(buf[30:32], 9)
	binary.LittleEndian.PutUint16(buf[32:34], 6)
	binary.LittleEndian.PutUint32(buf[44:48], 1) // NumFatSectors
	binary.LittleEndian.PutUint32(buf[48:52], 2) // DirectorySectorLoc
	binary.LittleEndian.PutUint32(buf[56:60], 4096)
	binary.LittleEndian.PutUint32(buf[60:64], 1) // MiniFatSectorLoc
	binary.LittleEndian.PutUint32(buf[64:68], 1) // NumMiniFatSectors
	binary.LittleEndian.PutUint32(buf[68:72], endOfChain)
	binary.LittleEndian.PutUint32(buf[76:80], 3) // InitialDifats[0] = FAT sector
	for i := 1; i < 109; i++ {
		binary.LittleEndian.PutUint32(buf[76+i*4:76+i*4+4], freeSect)
	}

	sector := func(n int) []byte { return buf[ss+n*ss : ss+(n+1)*ss] }

	// sector 0: mini-stream data
	copy(sector(0), []byte("hello"))

	// sector 1: mini-FAT
	mf := sector(1)
	binary.LittleEndian.PutUint32(mf[0:4], endOfChain)
	for i := 1; i < 128; i++ {
		binary.LittleEndian.PutUint32(mf[i*4:i*4+4], freeSect)
	}

	// sector 2: directory
	dir := sector(2)
	root := make([]byte, 128)
	rootRaw := rawDirEntry{
		ObjectType:        objRootStorage,
		Color:             black,
		LeftSibID:         uint32(noStreamID),
		RightSibID:        uint32(noStreamID),
		ChildID:           1,
		StartingSectorLoc: 0,
		StreamSize:        64,
	}
	encodeRawDirEntry(root, rootRaw)
	copy(dir[0:128], root)

	s := make([]byte, 128)
	sRaw := rawDirEntry{
		ObjectType:        objStream,
		Color:             black,
		LeftSibID:         uint32(noStreamID),
		RightSibID:        uint32(noStreamID),
		ChildID:           uint32(noStreamID),
		StartingSectorLoc: 0,
		StreamSize:        5,
	}
	sRaw.RawName[0] = 'S'
	sRaw.NameLength = 4
	encodeRawDirEntry(s, sRaw)
	copy(dir[128:256], s)

	for _, off := range []int{256, 384} {
		unused := make([]byte, 128)
		encodeRawDirEntry(unused, rawDirEntry{LeftSibID: uint32(noStreamID), RightSibID: uint32(noStreamID), ChildID: uint32(noStreamID)})
		copy(dir[off:off+128], unused)
	}

	// sector 3: FAT
	fat := sector(3)
	binary.LittleEndian.PutUint32(fat[0:4], endOfChain)  // sector 0 (ministream)
	binary.LittleEndian.PutUint32(fat[4:8], endOfChain)  // sector 1 (minifat)
	binary.LittleEndian.PutUint32(fat[8:12], endOfChain) // sector 2 (directory)
	binary.LittleEndian.PutUint32(fat[12:16], fatSect)   // sector 3 (FAT)
	for i := 4; i < 128; i++ {
		binary.LittleEndian.PutUint32(fat[i*4:i*4+4], freeSect)
	}

	return buf
}

// seekableBuffer is a minimal io.WriteSeeker over an in-memory byte
// slice, the role the package doc's example calls bufferWriteSeeker.
type seekableBuffer struct {
	data []byte
	pos  int64
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:end], p)
	b.pos = end
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		b.pos = offset
	case io.SeekCurrent:
		b.pos += offset
	case io.SeekEnd:
		b.pos = int64(len(b.data)) + offset
	}
	return b.pos, nil
}

func TestOpenAndReadMinimalImage(t *testing.T) {
	img, err := Open(buildMinimalImage())
	require.NoError(t, err)
	require.EqualValues(t, 512, img.SectorSize())

	tree, err := BuildTree(img)
	require.NoError(t, err)
	require.Len(t, tree.Root().Children, 1)

	s := tree.Entry(tree.Root().Children[0])
	require.Equal(t, "S", s.Name)

	out := make([]byte, 5)
	n, err := img.Read(s, 0, out)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(out))
}

func TestFindSignaturesAbsent(t *testing.T) {
	img, err := Open(buildMinimalImage())
	require.NoError(t, err)
	tree, err := BuildTree(img)
	require.NoError(t, err)
	ds, dse := FindSignatures(tree)
	require.Nil(t, ds)
	require.Nil(t, dse)
}

// TestWriteRoundTripNoSignatures covers spec.md §8 scenario 1: writing
// with no signature payloads reproduces the same logical tree.
func TestWriteRoundTripNoSignatures(t *testing.T) {
	img, err := Open(buildMinimalImage())
	require.NoError(t, err)
	tree, err := BuildTree(img)
	require.NoError(t, err)

	sink := &seekableBuffer{}
	require.NoError(t, Write(img, tree, nil, nil, sink))

	out, err := Open(sink.data)
	require.NoError(t, err)
	outTree, err := BuildTree(out)
	require.NoError(t, err)

	require.Len(t, outTree.Root().Children, 1)
	s := outTree.Entry(outTree.Root().Children[0])
	require.Equal(t, "S", s.Name)

	buf := make([]byte, 5)
	n, err := out.Read(s, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

// TestWriteInsertsAndReplacesSignature covers scenarios 2 and 3.
func TestWriteInsertsAndReplacesSignature(t *testing.T) {
	img, err := Open(buildMinimalImage())
	require.NoError(t, err)
	tree, err := BuildTree(img)
	require.NoError(t, err)

	firstSig := []byte{0x30, 0x82, 0x01, 0x02}
	sink := &seekableBuffer{}
	require.NoError(t, Write(img, tree, firstSig, nil, sink))

	out, err := Open(sink.data)
	require.NoError(t, err)
	outTree, err := BuildTree(out)
	require.NoError(t, err)
	require.Len(t, outTree.Root().Children, 2)

	ds, dse := FindSignatures(outTree)
	require.NotNil(t, ds)
	require.Nil(t, dse)
	require.EqualValues(t, len(firstSig), ds.Size)
	got := make([]byte, ds.Size)
	_, err = out.Read(ds, 0, got)
	require.NoError(t, err)
	require.Equal(t, firstSig, got)

	// scenario 3: replace with a longer signature, no duplicate child.
	secondSig := make([]byte, 200)
	for i := range secondSig {
		secondSig[i] = byte(i)
	}
	sink2 := &seekableBuffer{}
	require.NoError(t, Write(out, outTree, secondSig, nil, sink2))

	final, err := Open(sink2.data)
	require.NoError(t, err)
	finalTree, err := BuildTree(final)
	require.NoError(t, err)
	require.Len(t, finalTree.Root().Children, 2)

	ds2, _ := FindSignatures(finalTree)
	require.NotNil(t, ds2)
	require.EqualValues(t, 200, ds2.Size)
	got2 := make([]byte, ds2.Size)
	_, err = final.Read(ds2, 0, got2)
	require.NoError(t, err)
	require.Equal(t, secondSig, got2)
}

// TestWriteLargeStreamRoutesToFat covers scenario 4: a 4096-byte stream
// routes to the regular FAT domain, not the mini-stream.
func TestWriteLargeStreamRoutesToFat(t *testing.T) {
	base := buildMinimalImage()
	img, err := Open(base)
	require.NoError(t, err)
	tree, err := BuildTree(img)
	require.NoError(t, err)

	large := make([]byte, 4096)
	for i := range large {
		large[i] = 0xAB
	}
	root := buildWriteTree(tree, tree.Root())
	root.Children = append(root.Children, &wnode{
		Name:      "B",
		nameBytes: utf16LEBytes("B"),
		nameUnits: []uint16{'B'},
		Type:      objStream,
		payload:   large,
		Size:      uint64(len(large)),
	})

	w := &writer{img: img, sink: &seekableBuffer{}, sectorSize: 512, header: newHeaderTemplate(512, 0x003E)}
	w.sink.Write(make([]byte, 512))
	require.NoError(t, w.streamHandle(root))

	var b *wnode
	for _, c := range root.Children {
		if c.Name == "B" {
			b = c
		}
	}
	require.NotNil(t, b)
	require.NotEqual(t, uint32(noStreamID), b.StartSector)
	require.True(t, uint64(len(large)) >= miniStreamCutoff)
	// a full 4096-byte payload occupies exactly 8 regular 512-byte
	// sectors, chained to a single ENDOFCHAIN.
	require.Len(t, w.fat, 8)
	for i := 0; i < 7; i++ {
		require.EqualValues(t, i+1, w.fat[i])
	}
	require.EqualValues(t, endOfChain, w.fat[7])
}
