// Package service wires the topology engine together for the API and CLI.
//
// TopologyService owns the graph, the merge engine, the layout engine and the
// snapshot store. It consumes discovery events, steps the layout in the
// background, evicts stale nodes, autosaves snapshots and answers read
// queries (graph, stats, render frames, exports) from a consistent view.
//
// # Event System
//
// The merge engine and the probe registry publish into EventBus. Subscribers
// (the SSE hub) receive node, edge, layout and probe progress events. A slow
// subscriber misses events instead of stalling the pipeline.
package service
