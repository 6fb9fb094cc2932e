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

// Package msicfb parses and rewrites the Compound File Binary container
// used by Windows Installer packages (MS-CFB), and computes the two
// digests an MSI signing tool needs: a content hash over stream bytes
// and a metadata pre-hash over the directory tree's structural fields.
//
// The whole container lives in memory; there is no streaming mode. A
// typical caller opens an image, builds its logical tree, hashes it (or
// reads individual streams directly), and finally rewrites the
// container with up to two signature streams inserted at the root:
//
//	img, err := msicfb.Open(raw)
//	if err != nil {
//		log.Fatal(err)
//	}
//	tree, err := msicfb.BuildTree(img)
//	if err != nil {
//		log.Fatal(err)
//	}
//	h := sha1.New()
//	if err := msicfb.ContentHash(img, tree, h); err != nil {
//		log.Fatal(err)
//	}
//	var out bytes.Buffer
//	err = msicfb.Write(img, tree, signatureBlob, nil, bufferWriteSeeker{&out})
package msicfb
