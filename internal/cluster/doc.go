// Package cluster provides the wire types and JSON-over-HTTP helpers shared by
// the distributor's HTTP surface and its command-line client.
//
// # Overview
//
// A distributor process exposes its coordination core over a small HTTP API.
// Clients submit read-for-write visitors and inspect node state; nothing in
// the core itself speaks HTTP.
//
//	┌──────────────┐   POST /visit    ┌─────────────────────┐
//	│  distributor │ ───────────────▶ │ distributor serve   │
//	│  visit (CLI) │ ◀─────────────── │                     │
//	└──────────────┘  CreateVisitor-  │  distributor.Node   │
//	                  Reply (JSON)    │  ├─ sequencer       │
//	                                  │  ├─ pending tracker │
//	┌──────────────┐   GET /health    │  └─ owners          │
//	│  monitoring  │ ───────────────▶ │                     │
//	│              │   GET /status    │  LocalTransport     │
//	│              │   GET /metrics   │   └─ storage nodes  │
//	└──────────────┘                  └─────────────────────┘
//
// # Endpoints
//
//	POST /visit    CreateVisitorCommand  → CreateVisitorReply
//	GET  /health   NodeInfo
//	GET  /status   distributor.Status plus per storage node stats
//	GET  /metrics  Prometheus exposition
//
// # Error Handling
//
// Non-2xx responses are returned as *HTTPError carrying the status code and
// the trimmed response body, so callers can distinguish a BUSY visitor from
// a transport failure:
//
//	var herr *cluster.HTTPError
//	if errors.As(err, &herr) && herr.StatusCode == http.StatusConflict {
//		// retry later
//	}
//
// Every request uses a shared client with a 5 second timeout and honours the
// caller's context for cancellation.
package cluster
