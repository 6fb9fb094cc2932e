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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChooseSectorSize(t *testing.T) {
	sz, err := chooseSectorSize(1024, 0)
	require.NoError(t, err)
	require.EqualValues(t, 512, sz)

	sz, err = chooseSectorSize(sectorSizeBreakEven+1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 4096, sz)

	_, err = chooseSectorSize(maxSupportedSize+1, 0)
	require.Error(t, err)

	sz, err = chooseSectorSize(1024, 4096)
	require.NoError(t, err)
	require.EqualValues(t, 4096, sz)
}

func TestInsertSignaturesAddsDigitalSignature(t *testing.T) {
	root := &wnode{Type: objRootStorage}
	err := insertSignatures(root, []byte{0x30, 0x82}, nil)
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	require.True(t, bytesEqualConst(root.Children[0].nameBytes, digitalSignatureNameBytes))
	require.Equal(t, []byte{0x30, 0x82}, root.Children[0].payload)
}

func TestInsertSignaturesReplacesExisting(t *testing.T) {
	root := &wnode{Type: objRootStorage}
	require.NoError(t, insertSignatures(root, []byte("first"), nil))
	require.NoError(t, insertSignatures(root, []byte("second-and-longer"), nil))

	var found int
	for _, c := range root.Children {
		if bytesEqualConst(c.nameBytes, digitalSignatureNameBytes) {
			found++
			require.Equal(t, []byte("second-and-longer"), c.payload)
		}
	}
	require.Equal(t, 1, found, "replacement must not leave a duplicate DigitalSignature child")
}

func TestInsertSignaturesOmitsEmptyMsiEx(t *testing.T) {
	root := &wnode{Type: objRootStorage}
	require.NoError(t, insertSignatures(root, []byte("sig"), nil))
	for _, c := range root.Children {
		require.False(t, bytesEqualConst(c.nameBytes, msiDigitalSignatureExNameBytes))
	}
}

func TestInsertSignaturesRefusesStorageCollision(t *testing.T) {
	root := &wnode{Type: objRootStorage}
	root.Children = append(root.Children, &wnode{Type: objStorage, nameBytes: digitalSignatureNameBytes})
	err := insertSignatures(root, []byte("sig"), nil)
	require.Error(t, err)
	var msErr *Error
	require.ErrorAs(t, err, &msErr)
	require.Equal(t, InvalidArgument, msErr.Kind)
}

func TestDirentsSaveAssignsRightLinkedChain(t *testing.T) {
	root := &wnode{Type: objRootStorage}
	a := &wnode{Type: objStream, nameUnits: []uint16{'A'}, nameBytes: utf16LEBytes("A")}
	b := &wnode{Type: objStream, nameUnits: []uint16{'B'}, nameBytes: utf16LEBytes("B")}
	root.Children = []*wnode{b, a} // deliberately out of dirent_cmp_tree order

	flat := direntsSave(root)
	require.Len(t, flat, 3)
	require.Same(t, root, flat[0])
	// dirent_cmp_tree: equal length, so "A" < "B"
	require.Same(t, a, flat[1])
	require.Same(t, b, flat[2])

	require.Equal(t, EntryID(a.outID), root.childID())
	require.Equal(t, EntryID(b.outID), a.rightSibID())
	require.Equal(t, EntryID(noStreamID), b.rightSibID())
	require.Equal(t, EntryID(noStreamID), root.rightSibID())
}
