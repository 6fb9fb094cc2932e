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

// sectorAt returns n bytes starting at byte off within sector s of the
// underlying image. The header occupies sector -1, one full sector wide
// (512 bytes for v3, 4096 for v4), so sector 0 begins at one sector size
// past the start of the image, not at a hardcoded 512 - matching the
// teacher's fileOffset helper, which uses (sn+1)*sectorSize for the same
// reason.
func (img *Image) sectorAt(s, off uint32, n int) ([]byte, error) {
	start := int64(s+1)*int64(img.sectorSize) + int64(off)
	return img.sliceAt(start, n)
}

// miniSectorAt returns n bytes starting at byte off within mini-sector s
// of the mini-stream (the root entry's stream, chased through the
// regular FAT rather than the mini-FAT).
func (img *Image) miniSectorAt(s, off uint32, n int) ([]byte, error) {
	start := int64(s)*int64(miniStreamSectorSize) + int64(off)
	end := start + int64(n)
	if end > int64(len(img.miniStream)) {
		return nil, errorf(Malformed, "mini-stream read past end: offset %d len %d stream %d", start, n, len(img.miniStream))
	}
	return img.miniStream[start:end], nil
}

func (img *Image) sliceAt(start int64, n int) ([]byte, error) {
	if start < 0 || n < 0 {
		return nil, errorf(Malformed, "negative offset or length")
	}
	end := start + int64(n)
	if end > int64(len(img.data)) {
		return nil, errorf(Malformed, "read past end of image: offset %d len %d size %d", start, n, len(img.data))
	}
	return img.data[start:end], nil
}

// fatEntry returns the FAT's value for sector s, resolving s's own
// location via the DIFAT chain the way the teacher's findNext does.
func (img *Image) fatEntry(s uint32) (uint32, error) {
	perSector := img.sectorSize / 4
	difatIdx := s / perSector
	if int(difatIdx) >= len(img.header.difats) {
		return 0, errorf(Malformed, "sector %d has no FAT entry", s)
	}
	fatSectorLoc := img.header.difats[difatIdx]
	if fatSectorLoc == freeSect || fatSectorLoc == endOfChain {
		return 0, errorf(Malformed, "unallocated FAT sector for sector %d", s)
	}
	buf, err := img.sectorAt(fatSectorLoc, (s%perSector)*4, 4)
	if err != nil {
		return 0, wrap(Malformed, err, "reading FAT entry")
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// nextSector follows the regular FAT chain from sector s.
func (img *Image) nextSector(s uint32) (uint32, error) {
	return img.fatEntry(s)
}

// nextMiniSector follows the mini-FAT chain from mini-sector s. The
// mini-FAT itself lives in regular FAT-chained sectors enumerated by
// setMiniFatLocs.
func (img *Image) nextMiniSector(s uint32) (uint32, error) {
	perSector := img.sectorSize / 4
	sectorIdx := s / perSector
	if int(sectorIdx) >= len(img.header.miniFatLocs) {
		return 0, errorf(Malformed, "mini-sector %d has no mini-FAT entry", s)
	}
	buf, err := img.sectorAt(img.header.miniFatLocs[sectorIdx], (s%perSector)*4, 4)
	if err != nil {
		return 0, wrap(Malformed, err, "reading mini-FAT entry")
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// readChain concatenates every byte of the regular-FAT chain starting at
// sector start, stopping after n bytes (or at end-of-chain if n < 0).
func (img *Image) readChain(start uint32, n int) ([]byte, error) {
	if start == endOfChain || start == freeSect {
		return nil, nil
	}
	var out []byte
	cur := start
	seen := map[uint32]bool{}
	for {
		if seen[cur] {
			return nil, errorf(Malformed, "cyclic FAT chain at sector %d", cur)
		}
		seen[cur] = true
		want := int(img.sectorSize)
		if n >= 0 {
			if remain := n - len(out); remain < want {
				want = remain
			}
		}
		buf, err := img.sectorAt(cur, 0, int(img.sectorSize))
		if err != nil {
			return nil, err
		}
		out = append(out, buf[:want]...)
		if n >= 0 && len(out) >= n {
			return out[:n], nil
		}
		next, err := img.nextSector(cur)
		if err != nil {
			return nil, err
		}
		if next == endOfChain {
			return out, nil
		}
		cur = next
	}
}
