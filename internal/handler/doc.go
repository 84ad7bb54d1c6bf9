// Package handler implements the HTTP API over the topology service.
//
// # Handlers
//
// GraphHandler serves the graph, node details, statistics, layout control,
// render frames, import/export, snapshots and probe triggers. Routes wires
// them onto a ServeMux using method-qualified patterns.
//
// Middleware provides panic recovery, CORS and request logging.
//
// # Response Format
//
// Success responses return JSON. Errors return JSON with an {error, details}
// structure. Unknown nodes map to 404; malformed input maps to 400.
//
// Probe triggers return 202 and run the pass in the background; progress is
// reported on the /events stream.
//
// # Server-Sent Events
//
// The /events endpoint streams graph changes, layout settling, snapshot and
// probe progress notifications.
package handler
