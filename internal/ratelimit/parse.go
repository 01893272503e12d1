// Package ratelimit parses upstream usage-limit reset times and coordinates
// the fleet-wide pause window.
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Buffer is added past the advertised reset before the fleet wakes.
const Buffer = 2 * time.Minute

// maxSleep caps how long a window may pause the monitor.
const maxSleep = 24 * time.Hour

var resetRe = regexp.MustCompile(`(?i)reset(?:s)? at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)

// Clock is a wall-clock reset time in UTC.
type Clock struct {
	Hour   int
	Minute int
}

// ParseReset extracts the reset clock from pane text. Times carry no zone in
// the upstream message; UTC is assumed. Returns false when no parseable reset
// phrase is present.
func ParseReset(text string) (Clock, bool) {
	m := resetRe.FindStringSubmatch(text)
	if m == nil {
		return Clock{}, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return Clock{}, false
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil {
			return Clock{}, false
		}
	}
	if minute > 59 {
		return Clock{}, false
	}

	if meridiem := m[3]; meridiem == "" {
		if hour > 23 {
			return Clock{}, false
		}
	} else {
		if hour < 1 || hour > 12 {
			return Clock{}, false
		}
		pm := strings.EqualFold(meridiem, "pm")
		if pm && hour != 12 {
			hour += 12
		}
		if !pm && hour == 12 {
			hour = 0
		}
	}

	return Clock{Hour: hour, Minute: minute}, true
}

// WakeTime converts a reset clock into the absolute wake-up instant: the
// reset plus Buffer, interpreted as tomorrow when the clock already passed,
// never more than maxSleep away.
func WakeTime(now time.Time, c Clock) time.Time {
	now = now.UTC()
	reset := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, time.UTC)
	if reset.Before(now) {
		reset = reset.Add(24 * time.Hour)
	}
	wake := reset.Add(Buffer)
	if wake.Sub(now) > maxSleep {
		wake = now.Add(maxSleep)
	}
	return wake
}
