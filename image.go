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

// Image is a parsed, in-memory CFB container. The whole input is kept
// in data; there is no streaming parse, matching §5's single-threaded,
// whole-image contract.
type Image struct {
	data       []byte
	header     *header
	sectorSize uint32
	miniStream []byte
}

// Open parses raw as a CFB image. The returned Image retains raw; the
// caller must not mutate it afterwards.
func Open(raw []byte) (*Image, error) {
	if len(raw) == 0 {
		return nil, errorf(InvalidArgument, "empty image")
	}
	h, sectorSize, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	img := &Image{data: raw, header: h, sectorSize: sectorSize}
	if err := img.setDifats(); err != nil {
		return nil, err
	}
	if err := img.setMiniFatLocs(); err != nil {
		return nil, err
	}
	logDebug("opened CFB image", "size", len(raw), "sectorSize", sectorSize)
	return img, nil
}

// SectorSize returns the sector size this image was opened with (512 or
// 4096 bytes).
func (img *Image) SectorSize() uint32 { return img.sectorSize }

// Size returns the total byte length of the underlying image.
func (img *Image) Size() int { return len(img.data) }
