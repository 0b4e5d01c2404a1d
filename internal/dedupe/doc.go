// Package dedupe provides a time-bounded cache of idempotency keys so a
// retried request resolves to the result of the first one.
package dedupe
