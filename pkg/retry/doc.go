// Package retry provides exponential backoff retry for transient failures.
//
// The registry core never retries on its own: a lock timeout surfaces to the
// caller as a retryable error. Transports and callers that want retries use
// this package explicitly:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(attempt int) error {
//	    return client.Send(ctx, body)
//	})
//
// RetryIf restricts retries to a class of errors, and NonRetryable marks a
// single error as final:
//
//	cfg := retry.DefaultConfig()
//	cfg.RetryIf = errors.IsTransient
//
//	err := retry.Do(ctx, cfg, func(int) error {
//	    if resp.StatusCode == http.StatusBadRequest {
//	        return retry.NonRetryable(errBadRequest)
//	    }
//	    return nil
//	})
package retry
