// Package httppost delivers events to http and https callbacks.
//
// Each envelope is POSTed as JSON to the callback URL with the configured
// Content-Type and extra headers. Transport errors, 5xx and 429 responses
// are retried with exponential backoff up to RetryCount times; other 4xx
// responses fail immediately.
//
// Register installs constructors for both schemes on a transport.Registry:
//
//	reg := transport.NewRegistry()
//	if err := httppost.Register(reg, httppost.DefaultConfig(), logger); err != nil {
//		return err
//	}
package httppost
