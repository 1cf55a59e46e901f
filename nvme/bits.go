// Copyright 2017-2022 Daniel Swarbrick. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nvme

import "github.com/dswarbrick/go-upcie/bitfield"

// Thin local aliases so register.go reads as field_name(start, width)
// without repeating the bitfield package qualifier on every line.
func get64(word uint64, start, width uint) uint64           { return bitfield.Get64(word, start, width) }
func set64(word uint64, start, width uint, v uint64) uint64 { return bitfield.Set64(word, start, width, v) }
func get32(word uint32, start, width uint) uint32           { return bitfield.Get32(word, start, width) }
func set32(word uint32, start, width uint, v uint32) uint32 { return bitfield.Set32(word, start, width, v) }
