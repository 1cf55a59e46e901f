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

import "github.com/rs/zerolog"

// Option configures a Controller at Open time.
type Option func(*controllerOptions)

type controllerOptions struct {
	logger    zerolog.Logger
	metrics   *Metrics
	sysfsRoot string
}

func defaultOptions() controllerOptions {
	return controllerOptions{
		logger:    zerolog.Nop(),
		sysfsRoot: "",
	}
}

// WithLogger attaches a zerolog.Logger the controller uses for debug
// messages around the disable/enable handshake in Open. Register writes,
// doorbell rings and errors are not logged.
func WithLogger(l zerolog.Logger) Option {
	return func(o *controllerOptions) { o.logger = l }
}

// WithMetrics attaches a Metrics recorder. A nil Metrics (the default)
// disables instrumentation entirely rather than recording into a
// throwaway registry.
func WithMetrics(m *Metrics) Option {
	return func(o *controllerOptions) { o.metrics = m }
}

// WithSysfsRoot overrides the sysfs root Open resolves the BDF under,
// so tests can substitute a fake device tree.
func WithSysfsRoot(root string) Option {
	return func(o *controllerOptions) { o.sysfsRoot = root }
}
