// ABOUTME: Package dbupdater keeps the local NVD database fresh and verified
// ABOUTME: Resilient update runs, scheduling, scan coordination and status tracking

/*
Package dbupdater manages refreshes of the local NVD vulnerability database.

# Update runs

NVDUpdater performs one run as a small state machine:

	checking_validity -> cache_hit
	checking_validity -> downloading -> validating -> valid
	                          |              |
	                          +--> recovering <--+
	                                   |
	                                retrying -> downloading (database only)
	                                   |
	                                 failed

The validity oracle answers first; a cache hit costs at most the oracle's
probes. A failed download or validation triggers recovery (backup of the
suspect file, cleared state) and exactly one retry at reduced scope. A run
that still fails ends degraded: Run returns no error, the result says
whether the previous database remains usable, and the next scheduled run
tries again. Only configuration errors, such as an unwritable cache
directory, are returned.

	u := dbupdater.NewNVDUpdater(dbupdater.NVDUpdaterConfig{...})
	res, err := u.Run(ctx)
	if err != nil {
		return err // configuration problem
	}
	if res.Degraded && !res.Usable {
		// no database to serve from
	}

# Scheduling

DBUpdateService runs registered updaters on an interval, accepts manual
triggers and records every outcome in a StatusTracker. Returned errors are
retried with Backoff; degraded results wait for the next tick.

# Scan coordination

ScanCoordinator lets many analyses read the database at once while an
update replaces it exclusively. Waiting updates block new scans so a
steady stream of scans cannot starve a refresh:

	release, err := coordinator.AcquireForScan(ctx)
	if err != nil {
		return err
	}
	defer release()

# Thread Safety

All exported types are safe for concurrent use. NVDUpdater serializes its
own runs.
*/
package dbupdater
