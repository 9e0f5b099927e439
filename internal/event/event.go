// Package event holds the strict shapes that cross the boundary between the
// event source and the change-detection core.
package event

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key identifies a status pair: one entity observed under one status code.
// It is the unit of de-duplication.
type Key struct {
	EntityID   string
	StatusCode int
}

// String renders the key as "<entity>_<code>".
func (k Key) String() string {
	return k.EntityID + "_" + strconv.Itoa(k.StatusCode)
}

// Event is one polled entity sighting.
type Event struct {
	EntityID   string
	StatusCode int
	StatusName string

	// Optional display data. Empty values fall back to defaults at format time.
	Reason     string
	OccurredAt string
	VehicleRef string
}

func (e Event) Key() Key { return Key{EntityID: e.EntityID, StatusCode: e.StatusCode} }

// Batch is one poll result in source order. Rejected holds one error per
// element that could not be converted into an Event.
type Batch struct {
	Events   []Event
	Rejected []error
}

// Vehicle is the detail record fetched per actionable event.
type Vehicle struct {
	Ref       string
	Plate     string
	Associate Associate
}

type Associate struct {
	Name     string
	Mobile   string
	Landline string
}

// StatusSet is the allow-list of active status codes.
type StatusSet map[int]struct{}

func NewStatusSet(codes ...int) StatusSet {
	s := make(StatusSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

func (s StatusSet) Contains(code int) bool {
	_, ok := s[code]
	return ok
}

func (s StatusSet) Len() int { return len(s) }

// Codes returns the codes in ascending order.
func (s StatusSet) Codes() []int {
	out := make([]int, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// ParseStatusList parses a comma separated list such as "6,15, 11".
// Empty items are skipped; anything else that is not an integer is an error.
func ParseStatusList(s string) (StatusSet, error) {
	out := StatusSet{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid status code %q", part)
		}
		out[n] = struct{}{}
	}
	return out, nil
}
