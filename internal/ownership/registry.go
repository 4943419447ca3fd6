package ownership

import (
	"sync"

	"locshare/internal/models"
)

// Registry records which account configuration owns the tracked entity for a
// given person. People may share their location with more than one configured
// account, and each account polls on its own schedule, so without a single
// claim point two accounts could both materialize an entity for the same
// person. Every operation takes the registry mutex, making each claim a
// single atomic check-and-set rather than a read-then-write.
type Registry struct {
	mu      sync.Mutex
	allUIDs map[models.UniqueID]struct{}
	cfgUIDs map[models.ConfigID]map[models.UniqueID]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		allUIDs: make(map[models.UniqueID]struct{}),
		cfgUIDs: make(map[models.ConfigID]map[models.UniqueID]struct{}),
	}
}

// Seed installs previously persisted assignments. Assignments already owned
// by another config are skipped, preserving the one-owner invariant even if
// the persisted state is inconsistent.
func (r *Registry) Seed(claims map[models.ConfigID][]models.UniqueID) {
	for cid, uids := range claims {
		r.Take(cid, uids)
	}
}

// Empty returns whether no config owns any unique ID.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.allUIDs) == 0
}

// Own returns whether the config already owns the unique ID.
func (r *Registry) Own(cid models.ConfigID, uid models.UniqueID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.cfgUIDs[cid][uid]
	return ok
}

// Owned returns the unique IDs owned by the config.
func (r *Registry) Owned(cid models.ConfigID) map[models.UniqueID]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return copySet(r.cfgUIDs[cid])
}

// OwnedByOthers returns the unique IDs owned by any config other than cid.
func (r *Registry) OwnedByOthers(cid models.ConfigID) map[models.UniqueID]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ownedByOthersLocked(cid)
}

// Take attempts to claim each of the given unique IDs for the config. IDs
// owned by a different config are left untouched and excluded from the
// result. IDs already owned by this config are reaffirmed. The returned set
// holds exactly the IDs now owned by cid out of those requested.
func (r *Registry) Take(cid models.ConfigID, uids []models.UniqueID) map[models.UniqueID]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	others := r.ownedByOthersLocked(cid)
	taken := make(map[models.UniqueID]struct{})

	cfg := r.cfgUIDs[cid]
	if cfg == nil {
		cfg = make(map[models.UniqueID]struct{})
		r.cfgUIDs[cid] = cfg
	}

	for _, uid := range uids {
		if _, ok := others[uid]; ok {
			continue
		}
		r.allUIDs[uid] = struct{}{}
		cfg[uid] = struct{}{}
		taken[uid] = struct{}{}
	}
	return taken
}

// Release relinquishes a single unique ID, unless another config owns it.
// An ID owned by someone else was never this config's to release.
func (r *Registry) Release(cid models.ConfigID, uid models.UniqueID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ownedByOthersLocked(cid)[uid]; ok {
		return
	}
	delete(r.allUIDs, uid)
	delete(r.cfgUIDs[cid], uid)
}

// Remove drops the config and every unique ID it owned.
func (r *Registry) Remove(cid models.ConfigID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uid := range r.cfgUIDs[cid] {
		delete(r.allUIDs, uid)
	}
	delete(r.cfgUIDs, cid)
}

// ownedByOthersLocked returns the global claimed set minus the config's own
// set. Callers must hold r.mu.
func (r *Registry) ownedByOthersLocked(cid models.ConfigID) map[models.UniqueID]struct{} {
	own := r.cfgUIDs[cid]
	others := make(map[models.UniqueID]struct{})
	for uid := range r.allUIDs {
		if _, ok := own[uid]; !ok {
			others[uid] = struct{}{}
		}
	}
	return others
}

func copySet(s map[models.UniqueID]struct{}) map[models.UniqueID]struct{} {
	out := make(map[models.UniqueID]struct{}, len(s))
	for uid := range s {
		out[uid] = struct{}{}
	}
	return out
}
