/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package executor runs periodic background tasks.

# Overview

[PollingExecutor] runs a [TaskFunc] at a fixed interval. A failing run is
retried with capped exponential backoff before the next tick is scheduled.
The self-tuner uses it for housekeeping: experiment garbage collection and
refreshing budget and experiment gauges.

# Thread Safety

All executor types are safe for concurrent use from multiple goroutines.
*/
package executor
