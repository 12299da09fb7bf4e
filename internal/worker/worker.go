package worker

import (
	"sort"
	"strconv"
	"strings"
)

// Location identifies where an execution worker runs.
type Location string

const (
	LocationMac Location = "mac"
	LocationVM  Location = "vm"
)

// Valid reports whether l is a known worker location.
func (l Location) Valid() bool {
	return l == LocationMac || l == LocationVM
}

// Worker is one configured execution agent. Lower Priority is tried first.
type Worker struct {
	Location Location
	URL      string
	Priority int
}

// ParseSpecs parses "location:url:priority" entries into Workers, sorted by
// ascending priority. Malformed entries (no colon, unknown location,
// non-numeric priority) are silently dropped.
func ParseSpecs(specs []string) []Worker {
	workers := make([]Worker, 0, len(specs))
	for _, spec := range specs {
		w, ok := parseSpec(spec)
		if !ok {
			continue
		}
		workers = append(workers, w)
	}
	sort.SliceStable(workers, func(i, j int) bool {
		return workers[i].Priority < workers[j].Priority
	})
	return workers
}

// parseSpec splits on the first and last colon so the URL itself may contain
// colons ("mac:https://host:443:1").
func parseSpec(spec string) (Worker, bool) {
	spec = strings.TrimSpace(spec)

	first := strings.Index(spec, ":")
	last := strings.LastIndex(spec, ":")
	if first < 0 || last <= first {
		return Worker{}, false
	}

	loc := Location(spec[:first])
	if !loc.Valid() {
		return Worker{}, false
	}

	url := spec[first+1 : last]
	if url == "" {
		return Worker{}, false
	}

	priority, err := strconv.Atoi(spec[last+1:])
	if err != nil {
		return Worker{}, false
	}

	return Worker{Location: loc, URL: url, Priority: priority}, true
}
