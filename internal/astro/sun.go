package astro

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNoSunEvent is returned when the sun never crosses the requested
// elevation on a given date (polar day or polar night).
var ErrNoSunEvent = errors.New("astro: no sun event on this date")

// Direction selects which crossing of an elevation is wanted.
type Direction int

const (
	Rising Direction = iota
	Setting
)

func (d Direction) String() string {
	if d == Rising {
		return "rising"
	}
	return "setting"
}

// officialZenith is the solar zenith angle for sunrise/sunset, including
// atmospheric refraction and the solar disc radius.
const officialZenith = 90.833

// Location computes solar events for a fixed observer.
//
// All returned instants are aware UTC. Date arguments are interpreted in
// the observer's timezone, so "sunrise on the 21st" means the local 21st.
type Location struct {
	latitude  float64
	longitude float64
	elevation float64
	zone      *time.Location
}

// NewLocation validates coordinates and builds a Location.
// Latitude is degrees north (-90..90), longitude degrees east (-180..180),
// elevation metres above sea level.
func NewLocation(latitude, longitude, elevation float64, zone *time.Location) (*Location, error) {
	if latitude < -90 || latitude > 90 {
		return nil, fmt.Errorf("astro: latitude must be -90 .. 90, got %v", latitude)
	}
	if longitude < -180 || longitude > 180 {
		return nil, fmt.Errorf("astro: longitude must be -180 .. 180, got %v", longitude)
	}
	if zone == nil {
		zone = time.UTC
	}
	return &Location{
		latitude:  latitude,
		longitude: longitude,
		elevation: elevation,
		zone:      zone,
	}, nil
}

// Zone returns the observer timezone.
func (l *Location) Zone() *time.Location {
	return l.zone
}

// SunriseOn returns the sunrise instant for the local date of the given day.
func (l *Location) SunriseOn(date time.Time) (time.Time, error) {
	return l.eventOn(date, l.horizonZenith(), Rising)
}

// SunsetOn returns the sunset instant for the local date of the given day.
func (l *Location) SunsetOn(date time.Time) (time.Time, error) {
	return l.eventOn(date, l.horizonZenith(), Setting)
}

// NextSunrise returns the first sunrise strictly after the given instant,
// skipping polar days/nights until one exists.
func (l *Location) NextSunrise(after time.Time) time.Time {
	return l.nextEvent(after, l.horizonZenith(), Rising)
}

// NextSunset returns the first sunset strictly after the given instant,
// skipping polar days/nights until one exists.
func (l *Location) NextSunset(after time.Time) time.Time {
	return l.nextEvent(after, l.horizonZenith(), Setting)
}

// TimeAtElevation returns the instant on the given local date when the sun
// crosses the elevation (degrees above horizon, negative below) in the
// requested direction. ErrNoSunEvent if the sun never reaches it that day.
func (l *Location) TimeAtElevation(date time.Time, degrees float64, dir Direction) (time.Time, error) {
	return l.eventOn(date, 90-degrees, dir)
}

// NextTimeAtElevation returns the first crossing of the elevation after the
// given instant, advancing a day at a time until one exists.
func (l *Location) NextTimeAtElevation(after time.Time, degrees float64, dir Direction) time.Time {
	return l.nextEvent(after, 90-degrees, dir)
}

// Elevation returns the solar elevation in degrees at the given instant.
func (l *Location) Elevation(t time.Time) float64 {
	decl, eqtime := solarParameters(t)

	// True solar time in minutes.
	utc := t.UTC()
	minutes := float64(utc.Hour())*60 + float64(utc.Minute()) + float64(utc.Second())/60
	tst := minutes + eqtime + 4*l.longitude
	ha := tst/4 - 180
	if ha < -180 {
		ha += 360
	}

	latRad := radians(l.latitude)
	declRad := radians(decl)
	haRad := radians(ha)

	cosZenith := math.Sin(latRad)*math.Sin(declRad) + math.Cos(latRad)*math.Cos(declRad)*math.Cos(haRad)
	cosZenith = math.Max(-1, math.Min(1, cosZenith))
	return 90 - degrees(math.Acos(cosZenith))
}

// SunUp reports whether the sun is above the horizon at the given instant.
func (l *Location) SunUp(t time.Time) bool {
	return l.Elevation(t) > 90-l.horizonZenith()
}

// horizonZenith is the sunrise/sunset zenith adjusted for observer
// elevation (horizon dip).
func (l *Location) horizonZenith() float64 {
	zenith := officialZenith
	if l.elevation > 0 {
		// Horizon dip in degrees for an elevated observer.
		zenith += 2.076 * math.Sqrt(l.elevation) / 60
	}
	return zenith
}

// nextEvent walks forward a day at a time until an event exists and is
// after the given instant.
func (l *Location) nextEvent(after time.Time, zenith float64, dir Direction) time.Time {
	date := after.In(l.zone)
	for i := 0; ; i++ {
		event, err := l.eventOn(date.AddDate(0, 0, i), zenith, dir)
		if err != nil {
			continue
		}
		if event.After(after) {
			return event
		}
	}
}

// eventOn computes the crossing of the given zenith on the local date of
// the given day. Two passes: the second refines the solar parameters at
// the estimated event time.
func (l *Location) eventOn(date time.Time, zenith float64, dir Direction) (time.Time, error) {
	local := date.In(l.zone)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.zone)
	noonUTC := midnight.Add(12 * time.Hour).UTC()

	estimate, err := l.eventFromParams(midnight, noonUTC, zenith, dir)
	if err != nil {
		return time.Time{}, err
	}
	// Refine with parameters at the estimated instant.
	refined, err := l.eventFromParams(midnight, estimate, zenith, dir)
	if err != nil {
		return time.Time{}, err
	}
	return refined, nil
}

func (l *Location) eventFromParams(midnight time.Time, at time.Time, zenith float64, dir Direction) (time.Time, error) {
	decl, eqtime := solarParameters(at)

	latRad := radians(l.latitude)
	declRad := radians(decl)
	zenithRad := radians(zenith)

	cosHA := (math.Cos(zenithRad) - math.Sin(latRad)*math.Sin(declRad)) /
		(math.Cos(latRad) * math.Cos(declRad))
	if cosHA < -1 || cosHA > 1 {
		return time.Time{}, ErrNoSunEvent
	}

	haDeg := degrees(math.Acos(cosHA))
	var minutesUTC float64
	if dir == Rising {
		minutesUTC = 720 - 4*(l.longitude+haDeg) - eqtime
	} else {
		minutesUTC = 720 - 4*(l.longitude-haDeg) - eqtime
	}

	// minutesUTC is minutes after UTC midnight of the local date.
	utcMidnight := time.Date(midnight.Year(), midnight.Month(), midnight.Day(), 0, 0, 0, 0, time.UTC)
	return utcMidnight.Add(time.Duration(minutesUTC * float64(time.Minute))).UTC(), nil
}

// solarParameters returns the solar declination (degrees) and the equation
// of time (minutes) at the given instant, per the NOAA low-accuracy series.
func solarParameters(t time.Time) (decl float64, eqtime float64) {
	utc := t.UTC()
	dayOfYear := float64(utc.YearDay())
	hour := float64(utc.Hour()) + float64(utc.Minute())/60

	daysInYear := 365.0
	if isLeap(utc.Year()) {
		daysInYear = 366
	}

	gamma := 2 * math.Pi / daysInYear * (dayOfYear - 1 + (hour-12)/24)

	eqtime = 229.18 * (0.000075 +
		0.001868*math.Cos(gamma) -
		0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) -
		0.040849*math.Sin(2*gamma))

	declRad := 0.006918 -
		0.399912*math.Cos(gamma) +
		0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) +
		0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) +
		0.00148*math.Sin(3*gamma)

	return degrees(declRad), eqtime
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
