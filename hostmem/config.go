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

// Package hostmem is the DMA memory manager: hugepage acquisition,
// physical-address resolution via /proc/self/pagemap, and a first-fit
// slab allocator (DmaHeap) that hands out stable virtual addresses with
// an O(1) path to their physical backing.
package hostmem

import (
	"fmt"
	"os"

	"github.com/dswarbrick/go-upcie/errs"
)

// Backend selects how hugepage-backed memory is obtained.
type Backend string

const (
	// BackendMemfd creates an anonymous MFD_HUGETLB file via
	// memfd_create(2); no filesystem mount is required. Default.
	BackendMemfd Backend = "memfd"
	// BackendHugetlbfs creates a file under a hugetlbfs mount point, one
	// file per allocation, so the region can be shared with another
	// process by path.
	BackendHugetlbfs Backend = "hugetlbfs"
)

const defaultHugetlbPath = "/mnt/huge"

// Config holds the two environment-variable-driven knobs of the hugepage
// backend, per the spec's external-interfaces section.
type Config struct {
	Backend     Backend
	HugetlbPath string
}

// LoadConfig resolves Config from HOSTMEM_BACKEND and HOSTMEM_HUGETLB_PATH,
// applying the documented defaults (memfd, /mnt/huge) when unset. An
// unrecognized HOSTMEM_BACKEND value is rejected.
func LoadConfig() (Config, error) {
	cfg := Config{Backend: BackendMemfd, HugetlbPath: defaultHugetlbPath}

	if v, ok := os.LookupEnv("HOSTMEM_BACKEND"); ok {
		switch Backend(v) {
		case BackendMemfd, BackendHugetlbfs:
			cfg.Backend = Backend(v)
		default:
			return Config{}, errs.New("hostmem.LoadConfig", errs.InvalidArgument,
				fmt.Errorf("unrecognized HOSTMEM_BACKEND %q", v))
		}
	}

	if v, ok := os.LookupEnv("HOSTMEM_HUGETLB_PATH"); ok && v != "" {
		cfg.HugetlbPath = v
	}

	return cfg, nil
}
