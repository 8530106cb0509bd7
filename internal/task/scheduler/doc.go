// Package scheduler fires named periodic jobs from an internal tick loop.
//
// Each job carries its own trigger, a cap on concurrently running instances
// and a misfire grace window. Fires that would exceed the cap, or that are
// noticed later than the grace window allows, are skipped rather than
// queued. Payload errors and panics stop at the scheduler boundary.
package scheduler
