package oncall

import (
	"testing"
	"time"

	"incidents/internal/clock"
	"incidents/internal/config"
)

func testDirectory() config.OnCallConfig {
	return config.OnCallConfig{
		Contact: []config.ContactConfig{
			{
				ID:   "c-lena",
				Name: "Lena Ortiz",
				Role: "technician",
				Shift: []config.ShiftConfig{
					{Days: []string{"mon", "tue", "wed", "thu", "fri"}, StartHour: 6, EndHour: 14},
				},
			},
			{
				ID:   "c-marek",
				Name: "Marek Nowak",
				Role: "technician",
				Shift: []config.ShiftConfig{
					{Days: []string{"mon", "tue", "wed", "thu", "fri"}, StartHour: 14, EndHour: 22},
				},
			},
			{
				ID:   "c-ines",
				Name: "Ines Fuchs",
				Role: "night_operator",
				Shift: []config.ShiftConfig{
					{Days: []string{"mon", "tue", "wed", "thu", "fri"}, StartHour: 22, EndHour: 6},
				},
			},
			{
				ID:   "c-petra",
				Name: "Petra Vogel",
				Role: "plant_manager",
			},
		},
	}
}

func resolverAt(at time.Time) *Resolver {
	return NewResolver(testDirectory(), time.UTC, clock.NewManual(at))
}

func contactIDs(contacts []Contact) []string {
	ids := make([]string, 0, len(contacts))
	for _, contact := range contacts {
		ids = append(ids, contact.ID)
	}
	return ids
}

func TestOnCallFiltersByRoleAndShift(t *testing.T) {
	t.Parallel()

	mondayMorning := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	resolver := resolverAt(mondayMorning)

	contacts := resolver.OnCall([]string{"technician"})
	if ids := contactIDs(contacts); len(ids) != 1 || ids[0] != "c-lena" {
		t.Fatalf("expected only the morning technician, got %v", ids)
	}

	mondayAfternoon := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	contacts = resolverAt(mondayAfternoon).OnCall([]string{"technician"})
	if ids := contactIDs(contacts); len(ids) != 1 || ids[0] != "c-marek" {
		t.Fatalf("expected only the afternoon technician, got %v", ids)
	}
}

func TestOnCallNoShiftsMeansAlwaysOnCall(t *testing.T) {
	t.Parallel()

	sundayNight := time.Date(2025, 3, 16, 3, 0, 0, 0, time.UTC)
	contacts := resolverAt(sundayNight).OnCall([]string{"plant_manager"})
	if ids := contactIDs(contacts); len(ids) != 1 || ids[0] != "c-petra" {
		t.Fatalf("contact without shifts must always resolve, got %v", ids)
	}
}

func TestOnCallMidnightWrappingShift(t *testing.T) {
	t.Parallel()

	// 23:00 Monday falls in the late part of Monday's night shift.
	lateMonday := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	if ids := contactIDs(resolverAt(lateMonday).OnCall([]string{"night_operator"})); len(ids) != 1 {
		t.Fatalf("late part of wrapping shift must resolve, got %v", ids)
	}

	// 03:00 Tuesday still belongs to Monday's night shift.
	earlyTuesday := time.Date(2025, 3, 11, 3, 0, 0, 0, time.UTC)
	if ids := contactIDs(resolverAt(earlyTuesday).OnCall([]string{"night_operator"})); len(ids) != 1 {
		t.Fatalf("early part of wrapping shift must resolve, got %v", ids)
	}

	// 03:00 Monday belongs to Sunday's shift, which is not listed.
	earlyMonday := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)
	if ids := contactIDs(resolverAt(earlyMonday).OnCall([]string{"night_operator"})); len(ids) != 0 {
		t.Fatalf("unlisted shift day must not resolve, got %v", ids)
	}
}

func TestOnCallEmptyRolesMatchesEveryRole(t *testing.T) {
	t.Parallel()

	mondayMorning := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	contacts := resolverAt(mondayMorning).OnCall(nil)
	if ids := contactIDs(contacts); len(ids) != 2 {
		t.Fatalf("expected everyone on shift regardless of role, got %v", ids)
	}
}

func TestOnCallMayResolveNobody(t *testing.T) {
	t.Parallel()

	mondayMorning := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if contacts := resolverAt(mondayMorning).OnCall([]string{"quality_lead"}); len(contacts) != 0 {
		t.Fatalf("unknown role must resolve to nobody, got %v", contactIDs(contacts))
	}
}
