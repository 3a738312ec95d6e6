package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-appd/internal/astro"
)

// Time-spec grammar accepted by ParseDateTime and the timer APIs:
//
//	time     := absolute | clock | solar
//	absolute := YYYY-MM-DD [clock]
//	clock    := HH[:MM[:SS[.ffffff]]]
//	solar    := ("sunrise" | "sunset" | N " deg " ("rising"|"setting")) [("+"|"-") clock]
var (
	clockRe     = regexp.MustCompile(`^(\d+)(?::(\d+)(?::(\d+)(?:\.(\d+))?)?)?$`)
	dateRe      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})(?:[ T](\d+)(?::(\d+)(?::(\d+)(?:\.(\d+))?)?)?)?$`)
	sunRe       = regexp.MustCompile(`(?i)^(sunrise|sunset)(?:\s*([+-])\s*(\d+)(?::(\d+)(?::(\d+)(?:\.(\d+))?)?)?)?$`)
	elevationRe = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s+deg\s+(rising|setting)$`)
)

// ParseDateTime resolves a time specification into an absolute UTC
// instant. Bare clock times anchor to today in the configured zone;
// solar specs resolve to the next occurrence of the event.
func (s *Scheduler) ParseDateTime(spec string) (time.Time, error) {
	return s.parse(spec, s.clock.Now(), false, 0)
}

// ParseSunSpec reports whether a specification is solar and, if so,
// returns its event and offset so timer registration can peg the
// repeat to geometry.
func ParseSunSpec(spec string) (SunEvent, time.Duration, bool) {
	if m := sunRe.FindStringSubmatch(spec); m != nil {
		event := SunEvent{Horizon: true, Direction: astro.Rising}
		if strings.EqualFold(m[1], "sunset") {
			event.Direction = astro.Setting
		}
		offset := clockDuration(m[3], m[4], m[5], m[6])
		if m[2] == "-" {
			offset = -offset
		}
		return event, offset, true
	}
	if m := elevationRe.FindStringSubmatch(spec); m != nil {
		deg, _ := strconv.ParseFloat(m[1], 64)
		dir := astro.Rising
		if strings.EqualFold(m[2], "setting") {
			dir = astro.Setting
		}
		return SunEvent{Degrees: deg, Direction: dir}, 0, true
	}
	return SunEvent{}, 0, false
}

// parse resolves a spec relative to a reference instant. When today is
// true, solar specs use the event on the reference's date (shifted by
// dayOffset) instead of the next future occurrence; clock times anchor
// to that date too. Used by NowIsBetween to build day-relative
// windows.
func (s *Scheduler) parse(spec string, ref time.Time, today bool, dayOffset int) (time.Time, error) {
	loc := s.clock.Location()
	local := ref.In(loc)

	if m := dateRe.FindStringSubmatch(spec); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		var hh, mm, ss, ns int
		if m[4] != "" {
			hh, _ = strconv.Atoi(m[4])
			mm, _ = strconv.Atoi(m[5])
			ss, _ = strconv.Atoi(m[6])
			ns = fractionNanos(m[7])
		}
		dt := time.Date(year, time.Month(month), day, hh, mm, ss, ns, loc)
		return dt.AddDate(0, 0, dayOffset).UTC(), nil
	}

	if m := clockRe.FindStringSubmatch(spec); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		ss, _ := strconv.Atoi(m[3])
		if hh > 23 || mm > 59 || ss > 59 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeSpec, spec)
		}
		dt := time.Date(local.Year(), local.Month(), local.Day(),
			hh, mm, ss, fractionNanos(m[4]), loc)
		return dt.AddDate(0, 0, dayOffset).UTC(), nil
	}

	if event, offset, ok := ParseSunSpec(spec); ok {
		sun := s.Sun()
		if sun == nil {
			return time.Time{}, ErrNoSun
		}
		var at time.Time
		var err error
		switch {
		case today && event.Horizon:
			date := local.AddDate(0, 0, dayOffset)
			if event.Direction == astro.Rising {
				at, err = sun.SunriseOn(date)
			} else {
				at, err = sun.SunsetOn(date)
			}
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: %s: %w", ErrInvalidTimeSpec, spec, err)
			}
		case today:
			at, err = sun.TimeAtElevation(local.AddDate(0, 0, dayOffset), event.Degrees, event.Direction)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: %s: %w", ErrInvalidTimeSpec, spec, err)
			}
		default:
			at = s.nextSunEvent(sun, &event, ref)
		}
		return at.Add(offset).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeSpec, spec)
}

// NowIsBetween reports whether the current time falls inside the
// window [start, end], where both bounds are day-relative specs.
// Windows spanning midnight (end before start) are handled by shifting
// the bounds across the day boundary the way a human reads them:
// "22:00:00".."02:00:00" covers late evening and the small hours.
func (s *Scheduler) NowIsBetween(startSpec, endSpec string) (bool, error) {
	now := s.clock.Now()
	start, err := s.parse(startSpec, now, true, 0)
	if err != nil {
		return false, err
	}
	end, err := s.parse(endSpec, now, true, 0)
	if err != nil {
		return false, err
	}

	if end.Before(start) {
		// Spans midnight: first assume the end belongs to tomorrow.
		end, err = s.parse(endSpec, now, true, 1)
		if err != nil {
			return false, err
		}
		if now.Before(start) && now.Before(end) {
			// We already crossed into the new day: the window that
			// matters started yesterday.
			start, err = s.parse(startSpec, now, true, -1)
			if err != nil {
				return false, err
			}
			end, err = s.parse(endSpec, now, true, 0)
			if err != nil {
				return false, err
			}
		}
	}
	return !now.Before(start) && !now.After(end), nil
}

func clockDuration(hh, mm, ss, frac string) time.Duration {
	if hh == "" {
		return 0
	}
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	sec, _ := strconv.Atoi(ss)
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
	return d + time.Duration(fractionNanos(frac))
}

// fractionNanos converts a fractional-second digit string ("5" → half a
// second) into nanoseconds.
func fractionNanos(frac string) int {
	if frac == "" {
		return 0
	}
	f, err := strconv.ParseFloat("0."+frac, 64)
	if err != nil {
		return 0
	}
	return int(f * 1e9)
}
