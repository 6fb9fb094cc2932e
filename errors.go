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

import "fmt"

// Kind classifies an Error the way §7 of the design requires: callers
// need to tell a corrupt container apart from a caller mistake apart
// from a short read, rather than getting one conflated code back.
type Kind int

const (
	// Malformed covers signature mismatches, short images, and any
	// out-of-range sector/offset address encountered while walking
	// the FAT, mini-FAT, or directory.
	Malformed Kind = iota
	// Unsupported covers inputs that are well-formed but would need
	// capabilities this core deliberately doesn't have (DIFAT sectors).
	Unsupported
	// InvalidArgument covers caller mistakes: empty input, and deleting
	// a storage through the signature-replacement path. Tree.Entry does
	// not report a NOSTREAM or other out-of-range ID as an error; it
	// returns nil.
	InvalidArgument
	// ReadFailed covers a stream read that could not be completed,
	// including a stream sector that cannot be fetched, and a failed
	// write to the output sink or to a digest.
	ReadFailed
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Unsupported:
		return "unsupported"
	case InvalidArgument:
		return "invalid argument"
	case ReadFailed:
		return "read failed"
	default:
		return "unknown"
	}
}

// Error is the error type every exported operation returns. A single
// malformed address taints the whole operation (§7); there is no
// recovery path, so Error carries just enough to let a caller log and
// bail, or use errors.Is/errors.As to branch on Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("msicfb: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("msicfb: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func wrap(k Kind, err error, msg string) error {
	return &Error{Kind: k, Msg: msg, Err: err}
}
