// Package http exposes the license ledger over a JSON HTTP API.
//
// Handlers are thin: they decode and validate the request, call the ledger
// and render the result. Failures are rendered as RFC 7807 problem
// documents by errors.ErrorHandler, with the status chosen from the error
// taxonomy class:
//
//	{
//	    "type": "/errors/activation/no-match",
//	    "title": "Activation Key Rejected",
//	    "status": 422,
//	    "detail": "key 3f2a...: no installed license combination matches this key",
//	    "error_class": "no_match",
//	    "trace_id": "0b8e..."
//	}
//
// Every request gets an X-Request-ID which doubles as the trace id in logs
// and problem documents. The ledger event stream at /v1/events is served by
// the websocket package and is exempt from the request timeout.
package http
