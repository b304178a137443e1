// Package dedupe provides a bounded, time-based window of recently seen keys
// so retransmitted envelopes can be dropped.
package dedupe
