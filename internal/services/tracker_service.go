package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"locshare/internal/filter"
	"locshare/internal/models"
	"locshare/internal/ownership"
	"locshare/internal/utils"
	"locshare/pkg/geocode"
	"locshare/pkg/gmls"
)

const (
	// namePrefix prefixes entity names so trackers from this agent are
	// recognizable in Home Assistant.
	namePrefix = "Google Maps"

	// cookieSavePeriod is the minimum wall-clock time between cookie file
	// writes outside of shutdown.
	cookieSavePeriod = 15 * time.Minute

	// cookieWarningPeriod is how long before the session cookies expire the
	// expiration warning fires.
	cookieWarningPeriod = 28 * 24 * time.Hour

	geocodeTimeout = 10 * time.Second
)

// LocationAPI is the location-sharing session consumed by the tracker.
type LocationAPI interface {
	LoadCookies(path string) error
	SaveCookies(path string) error
	CookiesChanged() bool
	CookiesExpiration() (time.Time, bool)
	Fetch(ctx context.Context) error
	People(includeAccount bool) ([]gmls.Person, error)
	Close()
}

// Publisher receives tracked-person updates and account status.
type Publisher interface {
	PublishTrackerConfig(uid models.UniqueID, name string) error
	PublishPerson(uid models.UniqueID, person models.PersonData) error
	RemoveTracker(uid models.UniqueID) error
	PublishSensorConfig(cid models.ConfigID, title string) error
	PublishSessionValid(cid models.ConfigID, valid bool) error
	PublishCookieNotice(cid models.ConfigID, message string) error
}

// EntityStore persists entity assignments as they are claimed and released,
// and the last accepted fix per entity.
type EntityStore interface {
	Save(ent ownership.Entity) error
	SaveLocation(uid models.UniqueID, loc *models.LocationData) error
	Delete(uid models.UniqueID) error
}

// TrackerService polls the location-sharing endpoint for one account and
// keeps the tracked entities it owns up to date.
type TrackerService struct {
	// Configuration fields
	cid                 models.ConfigID
	username            string
	cookiesFile         string
	scanInterval        time.Duration
	maxGPSAccuracy      int
	createAccountEntity bool

	// Dependencies
	api       LocationAPI
	registry  *ownership.Registry
	store     EntityStore
	publisher Publisher
	pool      *utils.WorkerPool
	resolver  geocode.Resolver
	logger    zerolog.Logger

	// Per-entity state. filters is only touched from the poll goroutine;
	// data is read concurrently by callers of People.
	filters      map[models.UniqueID]*filter.LocationFilter
	names        map[models.UniqueID]string
	restoredLocs map[models.UniqueID]*models.LocationData
	data         cmap.ConcurrentMap[string, models.PersonData]

	// Session state. cookieMu serializes every access to the API session:
	// the periodic refresh, cookie saves and cookie file reloads.
	cookieMu          sync.Mutex
	cookiesLastSynced time.Time
	expWarning        *time.Timer
	authFailed        atomic.Bool

	// Internal state for managing service lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher
}

// NewTrackerService initializes a TrackerService for one configured account.
// restored carries the entities this account claimed in previous runs, keyed
// by unique ID, including the last accepted fix per entity.
func NewTrackerService(cid models.ConfigID, username string, cookiesFile string,
	scanInterval time.Duration, maxGPSAccuracy int, createAccountEntity bool,
	api LocationAPI, registry *ownership.Registry, store EntityStore, publisher Publisher,
	pool *utils.WorkerPool, resolver geocode.Resolver,
	restored map[models.UniqueID]ownership.Entity, logger zerolog.Logger) *TrackerService {

	names := make(map[models.UniqueID]string, len(restored))
	restoredLocs := make(map[models.UniqueID]*models.LocationData, len(restored))
	for uid, ent := range restored {
		names[uid] = ent.Name
		if ent.Loc != nil {
			restoredLocs[uid] = ent.Loc
		}
	}

	return &TrackerService{
		cid:                 cid,
		username:            username,
		cookiesFile:         cookiesFile,
		scanInterval:        scanInterval,
		maxGPSAccuracy:      maxGPSAccuracy,
		createAccountEntity: createAccountEntity,
		api:                 api,
		registry:            registry,
		store:               store,
		publisher:           publisher,
		pool:                pool,
		resolver:            resolver,
		logger:              logger,
		filters:             make(map[models.UniqueID]*filter.LocationFilter),
		names:               names,
		restoredLocs:        restoredLocs,
		data:                cmap.New[models.PersonData](),
	}
}

// ConfigID returns the account's config ID.
func (t *TrackerService) ConfigID() models.ConfigID {
	return t.cid
}

// People returns the latest data for every person this account tracks.
func (t *TrackerService) People() models.People {
	people := make(models.People, t.data.Count())
	for item := range t.data.IterBuffered() {
		people[models.UniqueID(item.Key)] = item.Val
	}
	return people
}

// SessionValid returns whether the account's session can currently fetch
// location data.
func (t *TrackerService) SessionValid() bool {
	return !t.authFailed.Load()
}

// Start loads the session cookies, recreates previously owned entities and
// launches the poll loop. Invalid or missing cookies fail startup; the user
// has to supply a fresh cookies file.
func (t *TrackerService) Start() error {
	if t.ctx != nil {
		t.logger.Warn().Msg("TrackerService is already running")
		return errors.New("tracker service is already running")
	}

	t.cookieMu.Lock()
	err := t.api.LoadCookies(t.cookiesFile)
	if err == nil {
		t.cookiesFileSynced()
	}
	t.cookieMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to load cookies for %s: %w", t.username, err)
	}

	if err := t.publisher.PublishSensorConfig(t.cid, fmt.Sprintf("%s %s", namePrefix, t.username)); err != nil {
		return err
	}
	if err := t.publisher.PublishSessionValid(t.cid, true); err != nil {
		return err
	}

	// The account holder's own entity uses the username as its unique ID.
	// If the option was turned off since the last run, release the claim and
	// tear the entity down.
	accountUID := models.UniqueID(t.username)
	if !t.createAccountEntity && t.registry.Own(t.cid, accountUID) {
		t.registry.Release(t.cid, accountUID)
		delete(t.names, accountUID)
		delete(t.restoredLocs, accountUID)
		if err := t.store.Delete(accountUID); err != nil {
			t.logger.Error().Err(err).Msg("Failed to delete account entity assignment")
		}
		if err := t.publisher.RemoveTracker(accountUID); err != nil {
			t.logger.Error().Err(err).Msg("Failed to remove account entity")
		}
	}

	// Re-announce entities claimed in previous runs so they exist even
	// before the person next appears in a poll response. The persisted last
	// fix seeds each filter so a stale response after the restart cannot
	// rewind the entity.
	for uid := range t.registry.Owned(t.cid) {
		name, ok := t.names[uid]
		if name == "" || !ok {
			name = fmt.Sprintf("%s %s", namePrefix, uid)
		}
		loc := t.restoredLocs[uid]
		t.filters[uid] = filter.New(name, t.maxGPSAccuracy, loc, t.logger)
		if loc != nil {
			t.data.Set(string(uid), models.PersonData{Loc: loc})
		}
		if err := t.publisher.PublishTrackerConfig(uid, name); err != nil {
			t.logger.Error().Err(err).Str("unique_id", string(uid)).Msg("Failed to announce restored entity")
		}
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())

	if err := t.watchCookiesFile(); err != nil {
		t.logger.Warn().Err(err).Msg("Cookie file watching unavailable; replacement requires restart")
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runPollLoop()
	}()

	t.logger.Info().
		Str("account", t.username).
		Dur("interval", t.scanInterval).
		Msg("TrackerService started")
	return nil
}

// Stop cancels the poll loop and pending expiration warning, saves changed
// cookies and closes the API session. An in-flight fetch is left to finish
// on the worker pool; its result is discarded.
func (t *TrackerService) Stop() error {
	if t.ctx == nil {
		t.logger.Warn().Msg("TrackerService is not running")
		return errors.New("tracker service is not running")
	}

	t.cancel()
	t.wg.Wait()

	if t.watcher != nil {
		t.watcher.Close()
		t.watcher = nil
	}

	t.cookieMu.Lock()
	t.saveCookiesIfChangedLocked(true)
	if t.expWarning != nil {
		t.expWarning.Stop()
		t.expWarning = nil
	}
	t.cookieMu.Unlock()

	t.api.Close()

	t.ctx = nil
	t.cancel = nil

	t.logger.Info().Str("account", t.username).Msg("TrackerService stopped")
	return nil
}

// runPollLoop performs an immediate first poll, then polls on the interval.
func (t *TrackerService) runPollLoop() {
	t.pollCycle()

	ticker := time.NewTicker(t.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.pollCycle()
		case <-t.ctx.Done():
			t.logger.Info().Str("account", t.username).Msg("TrackerService poll loop stopping")
			return
		}
	}
}

// pollCycle runs one fetch on the shared worker pool and processes the
// result, unless the session is known to need new cookies.
func (t *TrackerService) pollCycle() {
	if t.authFailed.Load() {
		t.logger.Debug().
			Str("account", t.username).
			Msg("Skipping poll; waiting for a fresh cookies file")
		return
	}

	done := make(chan []gmls.Person, 1)
	t.pool.Submit(func() {
		done <- t.fetchPeople()
	})

	select {
	case people := <-done:
		if people != nil {
			t.processPeople(people)
		}
	case <-t.ctx.Done():
		// Discard the in-flight fetch; the worker finishes it on its own.
	}
}

// fetchPeople fetches and parses a fresh payload. It returns nil when the
// cycle should be skipped; previous data remains displayed.
func (t *TrackerService) fetchPeople() []gmls.Person {
	t.cookieMu.Lock()
	defer t.cookieMu.Unlock()

	// The fetch deliberately does not use the service context: teardown
	// lets an in-flight request complete and discards the result.
	if err := t.api.Fetch(context.Background()); err != nil {
		switch {
		case errors.Is(err, gmls.ErrInvalidCookies):
			t.logger.Error().Err(err).
				Str("account", t.username).
				Msg("Session rejected; supply a fresh cookies file")
			t.authFailed.Store(true)
			if perr := t.publisher.PublishSessionValid(t.cid, false); perr != nil {
				t.logger.Error().Err(perr).Msg("Failed to publish session state")
			}
		default:
			t.logger.Warn().Err(err).
				Str("account", t.username).
				Msg("Poll cycle failed; keeping previous data")
		}
		return nil
	}

	people, err := t.api.People(t.createAccountEntity)
	if err != nil {
		t.logger.Warn().Err(err).
			Str("account", t.username).
			Msg("Poll cycle returned unusable data; keeping previous data")
		return nil
	}

	t.saveCookiesIfChangedLocked(false)
	return people
}

// processPeople claims newly seen people, runs each location through the
// update filter and publishes the results.
func (t *TrackerService) processPeople(people []gmls.Person) {
	var newUIDs []models.UniqueID
	byUID := make(map[models.UniqueID]gmls.Person, len(people))
	for _, person := range people {
		uid := models.UniqueID(person.ID)
		byUID[uid] = person
		if _, ok := t.filters[uid]; !ok {
			newUIDs = append(newUIDs, uid)
		}
	}

	if len(newUIDs) > 0 {
		for uid := range t.registry.Take(t.cid, newUIDs) {
			person := byUID[uid]
			name := fmt.Sprintf("%s %s", namePrefix, person.FullName)
			t.names[uid] = name
			t.filters[uid] = filter.New(name, t.maxGPSAccuracy, nil, t.logger)

			if err := t.store.Save(ownership.Entity{ConfigID: t.cid, UniqueID: uid, Name: name}); err != nil {
				t.logger.Error().Err(err).Str("unique_id", string(uid)).Msg("Failed to persist entity assignment")
			}
			if err := t.publisher.PublishTrackerConfig(uid, name); err != nil {
				t.logger.Error().Err(err).Str("unique_id", string(uid)).Msg("Failed to announce entity")
			}
		}
	}

	for uid, person := range byUID {
		f, ok := t.filters[uid]
		if !ok {
			// Owned by another account's config.
			continue
		}

		if f.Update(t.locationData(person)) {
			if err := t.store.SaveLocation(uid, f.Location()); err != nil {
				t.logger.Error().Err(err).Str("unique_id", string(uid)).Msg("Failed to persist accepted fix")
			}
		}
		data := models.PersonData{
			Loc: f.Location(),
			Misc: models.MiscData{
				BatteryCharging: person.BatteryCharging,
				BatteryLevel:    person.BatteryLevel,
				EntityPicture:   person.PictureURL,
				FullName:        person.FullName,
				Nickname:        person.Nickname,
			},
		}
		t.data.Set(string(uid), data)

		if err := t.publisher.PublishPerson(uid, data); err != nil {
			t.logger.Error().Err(err).Str("unique_id", string(uid)).Msg("Failed to publish person update")
		}
	}

	if err := t.publisher.PublishSessionValid(t.cid, true); err != nil {
		t.logger.Error().Err(err).Msg("Failed to publish session state")
	}
}

// locationData converts a fetched person to a candidate location sample,
// reverse geocoding the address when the server omitted it.
func (t *TrackerService) locationData(person gmls.Person) models.LocationData {
	address := person.Address
	if address == "" && t.resolver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), geocodeTimeout)
		resolved, err := t.resolver.ReverseGeocode(ctx, person.Latitude, person.Longitude)
		cancel()
		if err != nil {
			t.logger.Debug().Err(err).Str("person", person.FullName).Msg("Reverse geocoding failed")
		} else {
			address = resolved
		}
	}

	return models.LocationData{
		Address:     address,
		GPSAccuracy: person.GPSAccuracy,
		LastSeen:    person.LastSeen,
		Latitude:    person.Latitude,
		Longitude:   person.Longitude,
	}
}

// saveCookiesIfChangedLocked writes the session cookies back to the cookies
// file when they changed and enough time has passed, or unconditionally on
// shutdown. Failures are logged and never fail the cycle. Callers must hold
// cookieMu.
func (t *TrackerService) saveCookiesIfChangedLocked(shuttingDown bool) {
	if !t.api.CookiesChanged() {
		return
	}
	if !shuttingDown && time.Since(t.cookiesLastSynced) < cookieSavePeriod {
		return
	}

	if err := t.api.SaveCookies(t.cookiesFile); err != nil {
		t.logger.Error().Err(err).Str("account", t.username).Msg("Error while saving cookies")
	}
	t.cookiesFileSynced()
}

// cookiesFileSynced records a sync point and (re)schedules the expiration
// warning for the session cookies. Callers must hold cookieMu.
func (t *TrackerService) cookiesFileSynced() {
	t.cookiesLastSynced = time.Now()

	if t.expWarning != nil {
		t.expWarning.Stop()
		t.expWarning = nil
	}

	expiration, ok := t.api.CookiesExpiration()
	if !ok {
		return
	}
	warnAt := expiration.Add(-cookieWarningPeriod)
	if delay := time.Until(warnAt); delay > 0 {
		t.expWarning = time.AfterFunc(delay, func() { t.warnCookiesExpiring(expiration) })
	} else {
		t.warnCookiesExpiring(expiration)
	}
}

// warnCookiesExpiring surfaces an expiring-cookies warning in the log and as
// a retained notice for the account.
func (t *TrackerService) warnCookiesExpiring(expiration time.Time) {
	t.logger.Warn().
		Str("account", t.username).
		Time("expiration", expiration).
		Msg("Session cookies expiring soon; supply a fresh cookies file")

	message := fmt.Sprintf("Session cookies for %s expire %s", t.username, expiration.Format(time.RFC3339))
	if err := t.publisher.PublishCookieNotice(t.cid, message); err != nil {
		t.logger.Error().Err(err).Msg("Failed to publish cookie notice")
	}
}

// watchCookiesFile reloads the session when the user replaces the cookies
// file, clearing a previous auth failure without restarting the agent. The
// parent directory is watched because file replacement is typically a rename.
func (t *TrackerService) watchCookiesFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(t.cookiesFile)); err != nil {
		watcher.Close()
		return err
	}
	t.watcher = watcher

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != t.cookiesFile {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				t.reloadCookies()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Warn().Err(err).Msg("Cookie file watcher error")
			case <-t.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// reloadCookies reloads the cookies file into the session. A successful
// reload clears the auth-failed state so polling resumes next cycle.
func (t *TrackerService) reloadCookies() {
	t.cookieMu.Lock()
	defer t.cookieMu.Unlock()

	if err := t.api.LoadCookies(t.cookiesFile); err != nil {
		t.logger.Warn().Err(err).
			Str("account", t.username).
			Msg("Replacement cookies file is not usable")
		return
	}
	t.cookiesFileSynced()

	if t.authFailed.Swap(false) {
		t.logger.Info().
			Str("account", t.username).
			Msg("Cookies file replaced; resuming polling")
		if err := t.publisher.PublishSessionValid(t.cid, true); err != nil {
			t.logger.Error().Err(err).Msg("Failed to publish session state")
		}
	}
}
