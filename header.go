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

import "encoding/binary"

const lenHeader = 512

const (
	signature            uint64 = 0xE11AB1A1E011CFD0
	miniStreamSectorSize uint32 = 64
	miniStreamCutoff     uint64 = 4096
	dirEntrySize         uint32 = 128
)

const (
	difatSect  uint32  = 0xFFFFFFFC // marks a DIFAT sector in the FAT
	fatSect    uint32  = 0xFFFFFFFD // marks a FAT sector in the FAT
	endOfChain uint32  = 0xFFFFFFFE // terminates a sector chain
	freeSect   uint32  = 0xFFFFFFFF // unallocated sector
	noStreamID EntryID = 0xFFFFFFFF // empty sibling/child pointer
)

// headerFields is the fixed 512-byte CFB header record. Field names and
// byte ranges follow the teacher's header.go; fields the teacher only
// ever read are kept, and the ones it never needed to write (byte order
// mark, mini-stream cutoff) are added for the new write side.
type headerFields struct {
	Signature           uint64
	_                   [16]byte // CLSID, must be null
	MinorVersion        uint16
	MajorVersion        uint16
	_                   [2]byte // byte order, must be little-endian
	SectorShift         uint16
	MiniSectorShift     uint16
	_                   [6]byte // reserved
	NumDirectorySectors uint32  // must be zero for major version 3
	NumFatSectors       uint32
	DirectorySectorLoc  uint32
	_                   [4]byte // transaction signature number, ignored
	MiniStreamCutoff    uint32
	MiniFatSectorLoc    uint32
	NumMiniFatSectors   uint32
	DifatSectorLoc      uint32
	NumDifatSectors     uint32
	InitialDifats       [109]uint32
}

type header struct {
	headerFields
	difats      []uint32
	miniFatLocs []uint32
}

func parseHeader(data []byte) (*header, uint32, error) {
	if len(data) < lenHeader {
		return nil, 0, errorf(Malformed, "image too short for a CFB header: %d bytes", len(data))
	}
	var hf headerFields
	hf.Signature = binary.LittleEndian.Uint64(data[0:8])
	if hf.Signature != signature {
		return nil, 0, errorf(Malformed, "bad CFB signature")
	}
	hf.MinorVersion = binary.LittleEndian.Uint16(data[24:26])
	hf.MajorVersion = binary.LittleEndian.Uint16(data[26:28])
	hf.SectorShift = binary.LittleEndian.Uint16(data[30:32])
	hf.MiniSectorShift = binary.LittleEndian.Uint16(data[32:34])
	hf.NumDirectorySectors = binary.LittleEndian.Uint32(data[40:44])
	hf.NumFatSectors = binary.LittleEndian.Uint32(data[44:48])
	hf.DirectorySectorLoc = binary.LittleEndian.Uint32(data[48:52])
	hf.MiniStreamCutoff = binary.LittleEndian.Uint32(data[56:60])
	hf.MiniFatSectorLoc = binary.LittleEndian.Uint32(data[60:64])
	hf.NumMiniFatSectors = binary.LittleEndian.Uint32(data[64:68])
	hf.DifatSectorLoc = binary.LittleEndian.Uint32(data[68:72])
	hf.NumDifatSectors = binary.LittleEndian.Uint32(data[72:76])
	for i := 0; i < 109; i++ {
		off := 76 + i*4
		hf.InitialDifats[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}

	// Sector size is chosen by major version, matching the teacher's
	// setSectorSize dispatch (512 for v3, 4096 otherwise) rather than
	// trusting SectorShift directly.
	var sectorSize uint32
	switch hf.MajorVersion {
	case 3:
		sectorSize = 512
	default:
		sectorSize = 4096
	}
	return &header{headerFields: hf}, sectorSize, nil
}

func encodeHeader(buf []byte, hf *headerFields) {
	binary.LittleEndian.PutUint64(buf[0:8], hf.Signature)
	binary.LittleEndian.PutUint16(buf[24:26], hf.MinorVersion)
	binary.LittleEndian.PutUint16(buf[26:28], hf.MajorVersion)
	binary.LittleEndian.PutUint16(buf[28:30], 0xFFFE) // little-endian byte-order mark
	binary.LittleEndian.PutUint16(buf[30:32], hf.SectorShift)
	binary.LittleEndian.PutUint16(buf[32:34], hf.MiniSectorShift)
	binary.LittleEndian.PutUint32(buf[40:44], hf.NumDirectorySectors)
	binary.LittleEndian.PutUint32(buf[44:48], hf.NumFatSectors)
	binary.LittleEndian.PutUint32(buf[48:52], hf.DirectorySectorLoc)
	binary.LittleEndian.PutUint32(buf[56:60], hf.MiniStreamCutoff)
	binary.LittleEndian.PutUint32(buf[60:64], hf.MiniFatSectorLoc)
	binary.LittleEndian.PutUint32(buf[64:68], hf.NumMiniFatSectors)
	binary.LittleEndian.PutUint32(buf[68:72], hf.DifatSectorLoc)
	binary.LittleEndian.PutUint32(buf[72:76], hf.NumDifatSectors)
	for i := 0; i < 109; i++ {
		off := 76 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], hf.InitialDifats[i])
	}
}

// setDifats materializes the full DIFAT: the 109 header slots, plus any
// DIFAT sector chain beyond them.
func (img *Image) setDifats() error {
	h := img.header
	h.difats = append([]uint32(nil), h.InitialDifats[:]...)
	if h.NumDifatSectors == 0 {
		return nil
	}
	sz := img.sectorSize / 4
	off := h.DifatSectorLoc
	for i := 0; i < int(h.NumDifatSectors); i++ {
		buf, err := img.sectorAt(off, 0, int(img.sectorSize))
		if err != nil {
			return wrap(Malformed, err, "reading DIFAT sector")
		}
		for j := 0; j < int(sz)-1; j++ {
			h.difats = append(h.difats, binary.LittleEndian.Uint32(buf[j*4:j*4+4]))
		}
		off = binary.LittleEndian.Uint32(buf[len(buf)-4:])
	}
	return nil
}

// setMiniFatLocs builds the chain of sectors holding the mini-FAT
// stream, mirroring the teacher's miniStreamLocs construction: the
// mini-FAT is itself a regular FAT-chained stream, so walking it means
// chasing nextSector, not nextMiniSector.
func (img *Image) setMiniFatLocs() error {
	h := img.header
	c := int(h.NumMiniFatSectors)
	if c == 0 || h.MiniFatSectorLoc == endOfChain {
		return nil
	}
	h.miniFatLocs = make([]uint32, c)
	h.miniFatLocs[0] = h.MiniFatSectorLoc
	for i := 1; i < c; i++ {
		loc, err := img.nextSector(h.miniFatLocs[i-1])
		if err != nil {
			return err
		}
		h.miniFatLocs[i] = loc
	}
	return nil
}

// headerTemplate is the writer's in-progress output header (§4.6
// "New-header template"): built once up front and backfilled as sectors
// are allocated during fatSave/minifatSave/directorySave.
type headerTemplate struct {
	fields     headerFields
	sectorSize uint32
}

// headerPlaceholder marks a not-yet-known sector location while the
// writer is still allocating; every placeholder is overwritten before
// the header is serialized.
const headerPlaceholder uint32 = 0x0DF0ADDE

func newHeaderTemplate(sectorSize uint32, minorVersion uint16) *headerTemplate {
	var hf headerFields
	hf.Signature = signature
	hf.MinorVersion = minorVersion
	if sectorSize == 4096 {
		hf.MajorVersion = 4
		hf.SectorShift = 12
	} else {
		hf.MajorVersion = 3
		hf.SectorShift = 9
	}
	hf.MiniSectorShift = 6
	hf.MiniStreamCutoff = uint32(miniStreamCutoff)
	hf.DifatSectorLoc = endOfChain
	hf.NumDifatSectors = 0
	hf.DirectorySectorLoc = headerPlaceholder
	hf.MiniFatSectorLoc = headerPlaceholder
	for i := range hf.InitialDifats {
		hf.InitialDifats[i] = freeSect
	}
	return &headerTemplate{fields: hf, sectorSize: sectorSize}
}
