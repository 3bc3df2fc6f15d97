// Package dedupe provides a TTL set of tombstoned keys.
//
// The event bridge buries a run id once the run reaches a terminal event,
// so a late event for that run is rejected even after the bridge has
// released the run's in-memory state.
//
//	stones := dedupe.New(10*time.Minute, 100_000)
//	defer stones.Close()
//
//	stones.Bury(runID)
//	if stones.Buried(runID) {
//	    // reject
//	}
package dedupe
