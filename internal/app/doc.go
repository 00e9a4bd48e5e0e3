// Package app assembles a license node from its configuration and manages
// its lifecycle.
//
// NewApplication resolves the node identity, opens the ledger store, builds
// the license catalog, matcher and entitlement ledger, and mounts the HTTP
// API and the ledger event stream on a chi router. Nothing runs until Start:
//
//	a, err := app.NewApplication(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
//
// Start restores persisted activations before the first license load so
// restored keys attach to their licenses as they appear. Stop drains the
// HTTP server first and flushes the ledger last.
package app
