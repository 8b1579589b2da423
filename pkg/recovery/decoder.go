// Copyright 2024 Google LLC
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

package recovery

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// gzip member header magic; see RFC 1952
var gzipMagic = []byte{0x1f, 0x8b}

// Decompress reverses on-the-wire compression applied to a body, best effort.
// It never fails: if the input is neither gzip nor zlib, the bytes are
// decoded as UTF-8 with invalid sequences replaced and returned as-is.
func Decompress(data []byte) string {
	if bytes.HasPrefix(data, gzipMagic) {
		if inflated, err := gunzip(data); err == nil {
			return DecodeLossy(inflated)
		}
	}

	if inflated, err := inflate(data); err == nil {
		return DecodeLossy(inflated)
	}

	return DecodeLossy(data)
}

func gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func inflate(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// DecodeLossy renders bytes as UTF-8 text, replacing invalid sequences
// instead of failing on them.
func DecodeLossy(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

// TryAlternateEncoding attempts to undo transport-level text encodings:
// base64 first, percent-encoding second. Both are advisory: a decode is
// only accepted if the result looks like JSON, otherwise the original
// text is returned unchanged.
func TryAlternateEncoding(text string) string {
	// base64 payloads are always a multiple of 4 in length
	if len(text) > 0 && len(text)%4 == 0 {
		if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
			if candidate := DecodeLossy(decoded); LooksLikeJSON(candidate) {
				return candidate
			}
		}
	}

	if decoded, err := url.PathUnescape(text); err == nil &&
		decoded != text && LooksLikeJSON(decoded) {
		return decoded
	}

	return text
}
