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

package auth

import (
	"bytes"
	"net/netip"

	"github.com/google/btree"
)

// NetworkFilter answers "is this client IP inside a trusted network"
// in O(log N). An empty filter trusts everything.
type NetworkFilter struct {
	networks4 *btree.BTreeG[netip.Prefix]
	networks6 *btree.BTreeG[netip.Prefix]
}

// overlapping prefixes compare as equal, so `Has` with a /32 (or /128)
// probe finds the covering network
func prefixLessThanFunc(a, b netip.Prefix) bool {
	if a.Overlaps(b) {
		return false
	}
	return bytes.Compare(a.Addr().AsSlice(), b.Addr().AsSlice()) < 0
}

func NewNetworkFilter(ranges ...string) *NetworkFilter {
	filter := &NetworkFilter{
		networks4: btree.NewG[netip.Prefix](2, prefixLessThanFunc),
		networks6: btree.NewG[netip.Prefix](2, prefixLessThanFunc),
	}
	filter.AddRanges(ranges...)
	return filter
}

func (f *NetworkFilter) AddRange(ipRange string) {
	prefix, err := netip.ParsePrefix(ipRange)
	if err != nil {
		return
	}
	if prefix.Addr().Is4() {
		f.networks4.ReplaceOrInsert(prefix)
	} else {
		f.networks6.ReplaceOrInsert(prefix)
	}
}

func (f *NetworkFilter) AddRanges(ipRanges ...string) {
	for _, ipRange := range ipRanges {
		f.AddRange(ipRange)
	}
}

func (f *NetworkFilter) IsEmpty() bool {
	return f.networks4.Len() == 0 && f.networks6.Len() == 0
}

// Trusts reports whether ip falls inside any configured range.
func (f *NetworkFilter) Trusts(ip string) bool {
	if f.IsEmpty() {
		return true
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	if addr.Is4() {
		return f.networks4.Has(netip.PrefixFrom(addr, 32))
	}
	return f.networks6.Has(netip.PrefixFrom(addr, 128))
}
