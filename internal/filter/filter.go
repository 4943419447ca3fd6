package filter

import (
	"fmt"

	"github.com/rs/zerolog"

	"locshare/internal/models"
)

// LocationFilter decides, per tracked person, whether a newly fetched fix
// should replace the currently displayed one. The remote service can return
// cached or out-of-order responses and self-reported accuracy varies wildly;
// overwriting on every poll makes map markers jump and rewind. The filter
// keeps the displayed track stable at the cost of a little latency in
// adopting genuinely new positions.
type LocationFilter struct {
	name           string
	maxGPSAccuracy int
	logger         zerolog.Logger

	loc        *models.LocationData
	skipReason string
}

// New creates a LocationFilter for one tracked person. maxGPSAccuracy is the
// largest accuracy radius still considered a good fix; prev carries the fix
// restored from a previous run, if any.
func New(name string, maxGPSAccuracy int, prev *models.LocationData, logger zerolog.Logger) *LocationFilter {
	return &LocationFilter{
		name:           name,
		maxGPSAccuracy: maxGPSAccuracy,
		logger:         logger,
		loc:            prev,
	}
}

// Location returns the last accepted fix, or nil if none was ever accepted.
func (f *LocationFilter) Location() *models.LocationData {
	return f.loc
}

// Update evaluates a candidate fix and reports whether it was accepted. An
// accepted candidate becomes the fix future candidates are compared against.
func (f *LocationFilter) Update(loc models.LocationData) bool {
	if f.loc != nil {
		prevSeen := f.loc.LastSeen
		if loc.LastSeen.Before(prevSeen) {
			f.logSkipReason(fmt.Sprintf(
				"timestamp went backwards: %s < %s", loc.LastSeen, prevSeen))
			return false
		}
		if loc.LastSeen.Equal(prevSeen) {
			return false
		}

		prevAccuracy := f.loc.GPSAccuracy
		if prevAccuracy <= f.maxGPSAccuracy {
			// Previous fix is accurate. Don't replace it with an
			// inaccurate one.
			if loc.GPSAccuracy > f.maxGPSAccuracy {
				f.logSkipReason(fmt.Sprintf(
					"GPS accuracy (%d) is greater than limit (%d)",
					loc.GPSAccuracy, f.maxGPSAccuracy))
				return false
			}
		} else if loc.GPSAccuracy > prevAccuracy {
			// Previous fix is inaccurate. Accept an equal-or-better
			// candidate even if still above the limit, so one bad fix
			// can't stick forever, but never a strictly worse one.
			f.logSkipReason(fmt.Sprintf(
				"GPS accuracy (%d) is greater than limit (%d) and worse than previous (%d)",
				loc.GPSAccuracy, f.maxGPSAccuracy, prevAccuracy))
			return false
		}
	}

	f.loc = &loc
	return true
}

// logSkipReason logs why a candidate was ignored, skipping the log if the
// reason is unchanged since the previous rejection.
func (f *LocationFilter) logSkipReason(reason string) {
	if reason == f.skipReason {
		return
	}
	f.skipReason = reason
	f.logger.Debug().
		Str("person", f.name).
		Str("reason", reason).
		Msg("Ignoring location update")
}
