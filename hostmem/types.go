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

package hostmem

// VirtAddr and PhysAddr are deliberately distinct types, even though both
// are just uintptr underneath. A driver bug that passes a physical
// address where a virtual one belongs (or vice versa) is otherwise
// invisible until the device misbehaves; keeping the two types apart
// makes the Go compiler reject that at the call site. The only legal
// conversion between them goes through DmaHeap.VirtToPhys.
type VirtAddr uintptr

// PhysAddr is a bus/physical address suitable for programming into a PRP,
// PRP list entry, ASQ/ACQ register, or any other device-facing pointer
// field.
type PhysAddr uintptr
