package licenseserver

import (
	"sync"
	"time"

	"github.com/kdyw/my-tv/internal/config"
)

const day = 24 * time.Hour

// Decision is the registry's answer for one request.
type Decision struct {
	Approved      bool
	Reason        string
	RemainingDays int
}

type codeEntry struct {
	days        int
	banned      bool
	device      string
	activatedAt time.Time
}

// Registry tracks code bindings and trial start times.
type Registry struct {
	mu        sync.Mutex
	codes     map[string]*codeEntry
	trials    map[string]time.Time
	trialDays int
}

// NewRegistry loads the code table. Duplicate codes keep the last entry.
func NewRegistry(codes []config.ServerCode, trialDays int) *Registry {
	r := &Registry{
		codes:     make(map[string]*codeEntry, len(codes)),
		trials:    make(map[string]time.Time),
		trialDays: trialDays,
	}
	for _, c := range codes {
		r.codes[c.Code] = &codeEntry{days: c.Days, banned: c.Banned}
	}
	return r
}

// Check decides a code presented by device at now. The empty code requests
// a trial. A code with zero days never expires and reports 0 remaining
// days.
func (r *Registry) Check(code, device string, now time.Time) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if code == "" {
		return r.checkTrial(device, now)
	}

	e, ok := r.codes[code]
	switch {
	case !ok:
		return Decision{Reason: "invalid code"}
	case e.banned:
		return Decision{Reason: "code has been disabled"}
	case e.device == "":
		e.device = device
		e.activatedAt = now
	case e.device != device:
		return Decision{Reason: "code is already bound to another device"}
	}

	if e.days == 0 {
		return Decision{Approved: true}
	}
	left := remaining(e.activatedAt, e.days, now)
	if left <= 0 {
		return Decision{Reason: "expired"}
	}
	return Decision{Approved: true, RemainingDays: left}
}

func (r *Registry) checkTrial(device string, now time.Time) Decision {
	if r.trialDays <= 0 {
		return Decision{Reason: "trial unavailable"}
	}
	start, ok := r.trials[device]
	if !ok {
		start = now
		r.trials[device] = start
	}
	left := remaining(start, r.trialDays, now)
	if left <= 0 {
		return Decision{Reason: "trial expired"}
	}
	return Decision{Approved: true, RemainingDays: left}
}

// Ban disables a code. It reports whether the code exists.
func (r *Registry) Ban(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.codes[code]
	if ok {
		e.banned = true
	}
	return ok
}

// remaining counts whole days left, rounding partial days up.
func remaining(start time.Time, days int, now time.Time) int {
	left := start.Add(time.Duration(days) * day).Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + day - 1) / day)
}
