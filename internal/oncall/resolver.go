package oncall

import (
	"time"

	"incidents/internal/clock"
	"incidents/internal/config"
)

// Contact identifies one notifiable person with channel addresses.
// Params: identity plus optional per-channel addresses.
// Returns: resolution result handed to notification dispatch.
type Contact struct {
	ID     string
	Name   string
	Email  string
	Phone  string
	ChatID string
	Role   string
}

// Resolver performs shift-aware contact resolution from the static directory.
// Params: contact directory, shift timezone, and clock.
// Returns: contacts currently on call for requested roles.
type Resolver struct {
	contacts []config.ContactConfig
	location *time.Location
	clk      clock.Clock
}

// NewResolver creates a resolver over the configured contact directory.
// Params: on-call settings, shift timezone, and clock.
// Returns: initialized resolver.
func NewResolver(cfg config.OnCallConfig, location *time.Location, clk clock.Clock) *Resolver {
	if location == nil {
		location = time.Local
	}
	return &Resolver{contacts: cfg.Contact, location: location, clk: clk}
}

// OnCall resolves contacts holding any of the roles and currently on shift.
// A contact without shift entries is considered always on call. The result
// may be empty; callers must tolerate nobody being on call.
// Params: requested roles.
// Returns: matching contacts in directory order.
func (r *Resolver) OnCall(roles []string) []Contact {
	now := r.clk.Now().In(r.location)
	var result []Contact
	for _, entry := range r.contacts {
		if !roleMatches(entry.Role, roles) {
			continue
		}
		if !onShift(entry.Shift, now) {
			continue
		}
		result = append(result, Contact{
			ID:     entry.ID,
			Name:   entry.Name,
			Email:  entry.Email,
			Phone:  entry.Phone,
			ChatID: entry.ChatID,
			Role:   entry.Role,
		})
	}
	return result
}

// roleMatches reports whether the contact role is in the requested set.
// Params: contact role and requested roles.
// Returns: true on membership; an empty request matches every role.
func roleMatches(role string, roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, requested := range roles {
		if requested == role {
			return true
		}
	}
	return false
}

// onShift reports whether any shift entry covers the local time.
// Params: shift list and local time.
// Returns: true when covered; an empty shift list always covers.
func onShift(shifts []config.ShiftConfig, now time.Time) bool {
	if len(shifts) == 0 {
		return true
	}
	for _, shift := range shifts {
		if shiftCovers(shift, now) {
			return true
		}
	}
	return false
}

// shiftCovers tests one shift entry against the local time.
// A shift with end<=start wraps past midnight; the day list matches the day
// the shift started on.
// Params: shift entry and local time.
// Returns: true when the shift covers the time.
func shiftCovers(shift config.ShiftConfig, now time.Time) bool {
	hour := now.Hour()
	if shift.EndHour > shift.StartHour {
		return dayListed(shift.Days, now.Weekday()) && hour >= shift.StartHour && hour < shift.EndHour
	}
	// Wrapping shift: the late part belongs to the start day, the early part
	// to the previous day's shift.
	if hour >= shift.StartHour {
		return dayListed(shift.Days, now.Weekday())
	}
	if hour < shift.EndHour {
		return dayListed(shift.Days, now.AddDate(0, 0, -1).Weekday())
	}
	return false
}

// dayListed reports whether the weekday appears in the shift day names.
// Params: configured day names and weekday.
// Returns: true on membership; an empty list matches every day.
func dayListed(days []string, day time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, name := range days {
		if listed, ok := config.WeekdayFromName(name); ok && listed == day {
			return true
		}
	}
	return false
}
