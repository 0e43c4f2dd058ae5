// Package engine defines the contracts of native transfer engines. An engine
// either exposes transfer state to be polled (PollEngine) or pushes it through
// listener hooks (CallbackEngine); the bridge package adapts both into one
// snapshot stream.
package engine
