package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "github.com/jpmoo/tasknotes-sub007/internal/log"
)

// windowsZones maps the Windows zone names Exchange and Outlook write into
// TZID to their IANA equivalents (CLDR windowsZones, territory 001).
var windowsZones = map[string]string{
	"Dateline Standard Time":          "Etc/GMT+12",
	"Hawaiian Standard Time":          "Pacific/Honolulu",
	"Alaskan Standard Time":           "America/Anchorage",
	"Pacific Standard Time":           "America/Los_Angeles",
	"US Mountain Standard Time":       "America/Phoenix",
	"Mountain Standard Time":          "America/Denver",
	"Central Standard Time":           "America/Chicago",
	"Canada Central Standard Time":    "America/Regina",
	"Central America Standard Time":   "America/Guatemala",
	"Eastern Standard Time":           "America/New_York",
	"US Eastern Standard Time":        "America/Indianapolis",
	"Atlantic Standard Time":          "America/Halifax",
	"Newfoundland Standard Time":      "America/St_Johns",
	"E. South America Standard Time":  "America/Sao_Paulo",
	"Argentina Standard Time":         "America/Buenos_Aires",
	"UTC":                             "Etc/UTC",
	"GMT Standard Time":               "Europe/London",
	"Greenwich Standard Time":         "Atlantic/Reykjavik",
	"W. Europe Standard Time":         "Europe/Berlin",
	"Central Europe Standard Time":    "Europe/Budapest",
	"Central European Standard Time":  "Europe/Warsaw",
	"Romance Standard Time":           "Europe/Paris",
	"E. Europe Standard Time":         "Europe/Chisinau",
	"GTB Standard Time":               "Europe/Bucharest",
	"FLE Standard Time":               "Europe/Kiev",
	"Russian Standard Time":           "Europe/Moscow",
	"Turkey Standard Time":            "Europe/Istanbul",
	"Israel Standard Time":            "Asia/Jerusalem",
	"South Africa Standard Time":      "Africa/Johannesburg",
	"Arabian Standard Time":           "Asia/Dubai",
	"India Standard Time":             "Asia/Calcutta",
	"SE Asia Standard Time":           "Asia/Bangkok",
	"China Standard Time":             "Asia/Shanghai",
	"Singapore Standard Time":         "Asia/Singapore",
	"Tokyo Standard Time":             "Asia/Tokyo",
	"Korea Standard Time":             "Asia/Seoul",
	"AUS Eastern Standard Time":       "Australia/Sydney",
	"E. Australia Standard Time":      "Australia/Brisbane",
	"Cen. Australia Standard Time":    "Australia/Adelaide",
	"W. Australia Standard Time":      "Australia/Perth",
	"New Zealand Standard Time":       "Pacific/Auckland",
	"Mexico Standard Time":            "America/Mexico_City",
	"Central Standard Time (Mexico)":  "America/Mexico_City",
	"SA Pacific Standard Time":        "America/Bogota",
	"Pacific SA Standard Time":        "America/Santiago",
	"Egypt Standard Time":             "Africa/Cairo",
	"W. Central Africa Standard Time": "Africa/Lagos",
}

// zoneFor resolves a TZID parameter. Known is false when neither the name
// nor its Windows mapping loads; loc is returned then.
func zoneFor(tzid string, loc *time.Location) (zone *time.Location, known bool) {
	tzid = strings.Trim(strings.TrimSpace(tzid), `"`)
	if l, err := time.LoadLocation(tzid); err == nil {
		return l, true
	}
	if name, ok := windowsZones[tzid]; ok {
		if l, err := time.LoadLocation(name); err == nil {
			return l, true
		}
	}
	return loc, false
}

// zonedValue reads a DATE-TIME property through zoneFor. It is the fallback
// for values whose TZID the ical library cannot load; an unresolvable zone
// leaves the value floating in loc.
func zonedValue(p *ical.IANAProperty, uid string, loc *time.Location) (time.Time, bool) {
	tz, ok := p.ICalParameters["TZID"]
	if !ok || len(tz) == 0 {
		return time.Time{}, false
	}
	zone, known := zoneFor(tz[0], loc)
	if !known {
		appLog.Warn("ics unknown TZID, reading time as floating", nil, "uid", uid, "tzid", tz[0], "location", loc.String())
	}
	t, err := parseICSTime(p.Value, zone)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
