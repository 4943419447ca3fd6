package filter_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"locshare/internal/filter"
	"locshare/internal/models"
)

func sample(accuracy int, seen int64) models.LocationData {
	return models.LocationData{
		Address:     "1 Test Way",
		GPSAccuracy: accuracy,
		LastSeen:    time.Unix(seen, 0),
		Latitude:    37.422,
		Longitude:   -122.084,
	}
}

// TestFilter_FirstSampleAlwaysAccepted tests the bootstrap case.
func TestFilter_FirstSampleAlwaysAccepted(t *testing.T) {
	f := filter.New("Jamie", 50, nil, zerolog.Nop())

	assert.True(t, f.Update(sample(100000, 100)))
	assert.NotNil(t, f.Location())
	assert.Equal(t, 100000, f.Location().GPSAccuracy)
}

// TestFilter_StaleTimestampRejected tests that older or equal timestamps are
// rejected regardless of accuracy.
func TestFilter_StaleTimestampRejected(t *testing.T) {
	f := filter.New("Jamie", 50, nil, zerolog.Nop())
	assert.True(t, f.Update(sample(10, 100)))

	// Older timestamp, even with perfect accuracy.
	assert.False(t, f.Update(sample(1, 99)))
	// Same timestamp carries no new information.
	assert.False(t, f.Update(sample(1, 100)))

	assert.Equal(t, 10, f.Location().GPSAccuracy)
}

// TestFilter_AccuratePreviousRejectsInaccurate tests the accuracy gate when
// the previous fix is within the limit.
func TestFilter_AccuratePreviousRejectsInaccurate(t *testing.T) {
	f := filter.New("Jamie", 50, nil, zerolog.Nop())
	assert.True(t, f.Update(sample(10, 100)))

	// A good fix must not be replaced by a bad one.
	assert.False(t, f.Update(sample(200, 101)))
	assert.Equal(t, 10, f.Location().GPSAccuracy)

	// A fix within the limit is accepted.
	assert.True(t, f.Update(sample(30, 101)))
	assert.Equal(t, 30, f.Location().GPSAccuracy)
}

// TestFilter_InaccuratePreviousAcceptsImprovement tests the accuracy gate
// when the previous fix is above the limit.
func TestFilter_InaccuratePreviousAcceptsImprovement(t *testing.T) {
	f := filter.New("Jamie", 50, nil, zerolog.Nop())
	assert.True(t, f.Update(sample(200, 100)))

	// Equal-or-better accuracy is accepted even though still above the
	// limit, so a single bad fix can't stick forever.
	assert.True(t, f.Update(sample(150, 101)))
	assert.Equal(t, 150, f.Location().GPSAccuracy)

	// Strictly worse accuracy is rejected.
	assert.False(t, f.Update(sample(250, 102)))
	assert.Equal(t, 150, f.Location().GPSAccuracy)
}

// TestFilter_InaccuratePreviousAcceptsEqual tests that an equal accuracy
// candidate replaces an inaccurate previous fix.
func TestFilter_InaccuratePreviousAcceptsEqual(t *testing.T) {
	f := filter.New("Jamie", 50, nil, zerolog.Nop())
	assert.True(t, f.Update(sample(200, 100)))

	assert.True(t, f.Update(sample(200, 101)))
	assert.Equal(t, time.Unix(101, 0), f.Location().LastSeen)
}

// TestFilter_SkipReasonLoggedOncePerReason tests that a repeating rejection
// reason is logged only when it changes, not on every poll.
func TestFilter_SkipReasonLoggedOncePerReason(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	f := filter.New("Jamie", 50, nil, logger)
	assert.True(t, f.Update(sample(10, 100)))

	countSkips := func() int {
		return strings.Count(buf.String(), "Ignoring location update")
	}

	// The same inaccurate fix arriving poll after poll logs once.
	assert.False(t, f.Update(sample(200, 101)))
	assert.False(t, f.Update(sample(200, 102)))
	assert.False(t, f.Update(sample(200, 103)))
	assert.Equal(t, 1, countSkips())

	// A different rejection reason logs again.
	assert.False(t, f.Update(sample(1, 99)))
	assert.Equal(t, 2, countSkips())

	// And the earlier reason logs once more when it recurs after the change.
	assert.False(t, f.Update(sample(200, 104)))
	assert.Equal(t, 3, countSkips())
}

// TestFilter_RestoredPreviousLocation tests that a fix restored from a
// previous run participates in filtering.
func TestFilter_RestoredPreviousLocation(t *testing.T) {
	prev := sample(10, 100)
	f := filter.New("Jamie", 50, &prev, zerolog.Nop())

	// Candidate older than the restored fix is stale.
	assert.False(t, f.Update(sample(5, 90)))
	assert.Equal(t, time.Unix(100, 0), f.Location().LastSeen)

	assert.True(t, f.Update(sample(20, 110)))
	assert.Equal(t, time.Unix(110, 0), f.Location().LastSeen)
}
