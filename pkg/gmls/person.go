package gmls

import (
	"time"
)

// Person is one person's location data as reported by the server.
type Person struct {
	ID string

	// Attributes associated with LastSeen
	Address     string
	CountryCode string
	GPSAccuracy int
	LastSeen    time.Time
	Latitude    float64
	Longitude   float64

	BatteryCharging *bool
	BatteryLevel    *int
	FullName        string
	Nickname        string
	PictureURL      string
}

// The server payload is a positionally indexed array with no schema. These
// helpers pull typed values out of nested offsets, reporting failure instead
// of panicking so one malformed person record doesn't spoil the rest.

func index(v any, i int) (any, bool) {
	seq, ok := v.([]any)
	if !ok || i >= len(seq) {
		return nil, false
	}
	return seq[i], true
}

func indexPath(v any, path ...int) (any, bool) {
	for _, i := range path {
		var ok bool
		if v, ok = index(v, i); !ok {
			return nil, false
		}
	}
	return v, true
}

func stringAt(v any, path ...int) (string, bool) {
	elem, ok := indexPath(v, path...)
	if !ok {
		return "", false
	}
	s, ok := elem.(string)
	return s, ok
}

func floatAt(v any, path ...int) (float64, bool) {
	elem, ok := indexPath(v, path...)
	if !ok {
		return 0, false
	}
	f, ok := elem.(float64)
	return f, ok
}

// sharedPersonFromData builds a Person from one element of the payload's
// shared-person list. Battery data is frequently absent and is optional;
// everything else is required.
func sharedPersonFromData(data any) (Person, bool) {
	person := Person{}

	var ok bool
	if person.ID, ok = stringAt(data, 6, 0); !ok {
		return Person{}, false
	}
	if person.Address, ok = stringAt(data, 1, 4); !ok {
		return Person{}, false
	}
	if person.CountryCode, ok = stringAt(data, 1, 6); !ok {
		return Person{}, false
	}
	accuracy, ok := floatAt(data, 1, 3)
	if !ok {
		return Person{}, false
	}
	person.GPSAccuracy = int(accuracy)
	lastSeenMS, ok := floatAt(data, 1, 2)
	if !ok {
		return Person{}, false
	}
	person.LastSeen = time.UnixMilli(int64(lastSeenMS)).UTC()
	if person.Latitude, ok = floatAt(data, 1, 1, 2); !ok {
		return Person{}, false
	}
	if person.Longitude, ok = floatAt(data, 1, 1, 1); !ok {
		return Person{}, false
	}
	if person.FullName, ok = stringAt(data, 6, 2); !ok {
		return Person{}, false
	}
	if person.Nickname, ok = stringAt(data, 6, 3); !ok {
		return Person{}, false
	}
	person.PictureURL, _ = stringAt(data, 6, 1)

	if charging, ok := floatAt(data, 13, 0); ok {
		b := charging != 0
		person.BatteryCharging = &b
	}
	if level, ok := floatAt(data, 13, 1); ok {
		l := int(level)
		person.BatteryLevel = &l
	}

	return person, true
}

// accountPersonFromData builds a Person for the polling account itself from
// payload element 9. The server reports no identity for the account holder,
// so the account email stands in for the ID and names, and there is no
// battery or picture data.
func accountPersonFromData(data any, accountEmail string) (Person, bool) {
	person := Person{
		ID:       accountEmail,
		FullName: accountEmail,
		Nickname: accountEmail,
	}

	var ok bool
	if person.Address, ok = stringAt(data, 1, 4); !ok {
		return Person{}, false
	}
	if person.CountryCode, ok = stringAt(data, 1, 6); !ok {
		return Person{}, false
	}
	accuracy, ok := floatAt(data, 1, 3)
	if !ok {
		return Person{}, false
	}
	person.GPSAccuracy = int(accuracy)
	lastSeenMS, ok := floatAt(data, 1, 2)
	if !ok {
		return Person{}, false
	}
	person.LastSeen = time.UnixMilli(int64(lastSeenMS)).UTC()
	if person.Latitude, ok = floatAt(data, 1, 1, 2); !ok {
		return Person{}, false
	}
	if person.Longitude, ok = floatAt(data, 1, 1, 1); !ok {
		return Person{}, false
	}

	return person, true
}
