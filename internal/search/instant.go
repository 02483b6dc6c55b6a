package search

import (
	"strings"
	"time"
)

// instantRange parses a date, dateTime or instant into the half-open range
// [lo, hi) it denotes at its own precision. "2024" covers the whole year,
// "2024-05-01T10:00:00Z" covers one second. A dateTime without a zone is
// read as UTC.
func instantRange(s string) (lo, hi time.Time, ok bool) {
	date, clock, hasClock := strings.Cut(s, "T")
	if !hasClock {
		var err error
		switch len(date) {
		case 4:
			lo, err = time.Parse("2006", date)
			hi = lo.AddDate(1, 0, 0)
		case 7:
			lo, err = time.Parse("2006-01", date)
			hi = lo.AddDate(0, 1, 0)
		case 10:
			lo, err = time.Parse(time.DateOnly, date)
			hi = lo.AddDate(0, 0, 1)
		default:
			return time.Time{}, time.Time{}, false
		}
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return lo, hi, true
	}

	zone := "Z"
	switch {
	case strings.HasSuffix(clock, "Z"):
		clock = strings.TrimSuffix(clock, "Z")
	case len(clock) > 6 && (clock[len(clock)-6] == '+' || clock[len(clock)-6] == '-') && clock[len(clock)-3] == ':':
		zone = clock[len(clock)-6:]
		clock = clock[:len(clock)-6]
	}

	var width time.Duration
	whole, frac, hasFrac := strings.Cut(clock, ".")
	switch {
	case len(whole) == 5 && !hasFrac:
		width = time.Minute
		clock += ":00"
	case len(whole) == 8 && !hasFrac:
		width = time.Second
	case len(whole) == 8 && len(frac) > 0 && len(frac) <= 9:
		width = time.Nanosecond
		for i := len(frac); i < 9; i++ {
			width *= 10
		}
	default:
		return time.Time{}, time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, date+"T"+clock+zone)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	lo = t.UTC()
	return lo, lo.Add(width), true
}

// compareInstant compares the range of have against the range of want.
// eq holds when have lies inside want. The ordered prefixes hold when some
// part of have lies on the requested side of want.
func compareInstant(prefix, have, want string) bool {
	hlo, hhi, ok := instantRange(have)
	if !ok {
		return false
	}
	return compareRange(prefix, hlo, hhi, want)
}

// comparePoint treats have as an exact instant whatever digits it was
// written with, as meta.lastUpdated is.
func comparePoint(prefix, have, want string) bool {
	t, err := time.Parse(time.RFC3339Nano, have)
	if err != nil {
		return false
	}
	t = t.UTC()
	return compareRange(prefix, t, t.Add(time.Nanosecond), want)
}

func compareRange(prefix string, hlo, hhi time.Time, want string) bool {
	wlo, whi, ok := instantRange(want)
	if !ok {
		return false
	}
	inside := !hlo.Before(wlo) && !hhi.After(whi)
	switch prefix {
	case "ne":
		return !inside
	case "gt":
		return hhi.After(whi)
	case "ge":
		return hhi.After(wlo)
	case "lt":
		return hlo.Before(wlo)
	case "le":
		return hlo.Before(whi)
	default:
		return inside
	}
}
