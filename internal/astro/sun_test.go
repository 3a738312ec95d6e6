package astro

import (
	"errors"
	"math"
	"testing"
	"time"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("loading zone %s: %v", name, err)
	}
	return loc
}

func nyLocation(t *testing.T) *Location {
	t.Helper()
	loc, err := NewLocation(40.7128, -74.0060, 10, mustZone(t, "America/New_York"))
	if err != nil {
		t.Fatalf("NewLocation: %v", err)
	}
	return loc
}

func TestNewLocationValidation(t *testing.T) {
	if _, err := NewLocation(91, 0, 0, time.UTC); err == nil {
		t.Error("latitude 91 accepted")
	}
	if _, err := NewLocation(0, -181, 0, time.UTC); err == nil {
		t.Error("longitude -181 accepted")
	}
	if _, err := NewLocation(-90, 180, 0, nil); err != nil {
		t.Errorf("boundary coordinates rejected: %v", err)
	}
}

func TestSunriseSunsetNewYorkSolstice(t *testing.T) {
	ny := nyLocation(t)
	date := time.Date(2025, 6, 21, 12, 0, 0, 0, ny.Zone())

	sunrise, err := ny.SunriseOn(date)
	if err != nil {
		t.Fatalf("SunriseOn: %v", err)
	}
	sunset, err := ny.SunsetOn(date)
	if err != nil {
		t.Fatalf("SunsetOn: %v", err)
	}

	// Published values for NYC on 2025-06-21: sunrise ~05:25, sunset
	// ~20:30 EDT. Allow a few minutes for the low-accuracy series.
	wantRise := time.Date(2025, 6, 21, 5, 25, 0, 0, ny.Zone())
	wantSet := time.Date(2025, 6, 21, 20, 30, 0, 0, ny.Zone())

	if diff := sunrise.Sub(wantRise).Abs(); diff > 4*time.Minute {
		t.Errorf("sunrise = %v, want %v +-4m (diff %v)", sunrise.In(ny.Zone()), wantRise, diff)
	}
	if diff := sunset.Sub(wantSet).Abs(); diff > 4*time.Minute {
		t.Errorf("sunset = %v, want %v +-4m (diff %v)", sunset.In(ny.Zone()), wantSet, diff)
	}
	if sunrise.Location() != time.UTC {
		t.Error("sunrise not returned in UTC")
	}
}

func TestNextSunriseCrossesDay(t *testing.T) {
	ny := nyLocation(t)

	// Just after today's sunrise: next one is tomorrow.
	after := time.Date(2025, 6, 20, 10, 0, 0, 0, ny.Zone())
	next := ny.NextSunrise(after)
	if !next.After(after) {
		t.Fatalf("NextSunrise %v not after %v", next, after)
	}
	local := next.In(ny.Zone())
	if local.Day() != 21 {
		t.Errorf("next sunrise on local day %d, want 21", local.Day())
	}
}

func TestPolarNight(t *testing.T) {
	svalbard, err := NewLocation(78.22, 15.65, 0, time.UTC)
	if err != nil {
		t.Fatalf("NewLocation: %v", err)
	}

	// Mid-December: no sunrise at 78N.
	date := time.Date(2025, 12, 15, 12, 0, 0, 0, time.UTC)
	if _, err := svalbard.SunriseOn(date); !errors.Is(err, ErrNoSunEvent) {
		t.Errorf("SunriseOn in polar night = %v, want ErrNoSunEvent", err)
	}

	// NextSunrise must skip forward to the end of the polar night.
	next := svalbard.NextSunrise(date)
	if next.Month() != time.February && next.Month() != time.March {
		t.Errorf("polar night ends in %v, want Feb/Mar", next.Month())
	}
}

func TestElevationAtNoon(t *testing.T) {
	ny := nyLocation(t)

	// Solar noon on the solstice: elevation ~= 90 - |lat - 23.44|.
	noon := time.Date(2025, 6, 21, 13, 0, 0, 0, ny.Zone())
	elev := ny.Elevation(noon)
	want := 90 - math.Abs(40.7128-23.44)
	if math.Abs(elev-want) > 1.5 {
		t.Errorf("noon elevation = %.2f, want ~%.2f", elev, want)
	}

	// Middle of the night: well below the horizon.
	midnight := time.Date(2025, 6, 21, 1, 0, 0, 0, ny.Zone())
	if e := ny.Elevation(midnight); e > -10 {
		t.Errorf("midnight elevation = %.2f, want below -10", e)
	}
}

func TestTimeAtElevation(t *testing.T) {
	ny := nyLocation(t)
	date := time.Date(2025, 6, 21, 12, 0, 0, 0, ny.Zone())

	rising, err := ny.TimeAtElevation(date, 30, Rising)
	if err != nil {
		t.Fatalf("TimeAtElevation rising: %v", err)
	}
	setting, err := ny.TimeAtElevation(date, 30, Setting)
	if err != nil {
		t.Fatalf("TimeAtElevation setting: %v", err)
	}

	if !rising.Before(setting) {
		t.Errorf("30deg rising %v not before setting %v", rising, setting)
	}

	// The sun should actually be near 30 degrees at both instants.
	if e := ny.Elevation(rising); math.Abs(e-30) > 1.5 {
		t.Errorf("elevation at rising crossing = %.2f, want ~30", e)
	}
	if e := ny.Elevation(setting); math.Abs(e-30) > 1.5 {
		t.Errorf("elevation at setting crossing = %.2f, want ~30", e)
	}

	// 80 degrees is never reached at this latitude.
	if _, err := ny.TimeAtElevation(date, 80, Rising); !errors.Is(err, ErrNoSunEvent) {
		t.Errorf("80deg crossing = %v, want ErrNoSunEvent", err)
	}
}

func TestSunUp(t *testing.T) {
	ny := nyLocation(t)
	if !ny.SunUp(time.Date(2025, 6, 21, 13, 0, 0, 0, ny.Zone())) {
		t.Error("SunUp false at local noon")
	}
	if ny.SunUp(time.Date(2025, 6, 21, 2, 0, 0, 0, ny.Zone())) {
		t.Error("SunUp true at 2am")
	}
}
