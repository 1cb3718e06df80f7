// Package scheduler drives ordering passes: a cron tick checks which
// channels are due and runs them one after another, and Trigger runs them on
// demand.
//
// A channel never has two passes in flight. A tick that finds a pass running
// is coalesced; a manual trigger waits for it and then runs.
package scheduler
