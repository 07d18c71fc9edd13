// README: AssignmentDraft, the in-progress state of one dispatch session.
package dispatch

import (
	"sort"
	"time"

	"scrapdispatch/internal/modules/order"
	"scrapdispatch/internal/types"
)

// Draft is owned by exactly one Stepper. Every mutator is a pure state
// change; rev only moves when a field actually changes.
type Draft struct {
	YardID        *types.ID
	CrewID        *types.ID
	StartTime     *time.Time
	EndTime       *time.Time
	Notes         string
	RouteDistance *string
	RouteDuration *string

	collectors map[types.ID]struct{}
	rev        int
}

func NewDraft() *Draft {
	return &Draft{collectors: make(map[types.ID]struct{})}
}

// SeedDraft builds a draft from a persisted assignment so that reopening an
// assigned order starts from exactly what is stored.
func SeedDraft(a *order.Assignment) *Draft {
	d := NewDraft()
	if a == nil {
		return d
	}
	d.YardID = cloneID(a.YardID)
	d.CrewID = cloneID(a.CrewID)
	d.StartTime = cloneTime(a.StartTime)
	d.EndTime = cloneTime(a.EndTime)
	d.Notes = a.Notes
	d.RouteDistance = cloneString(a.RouteDistance)
	d.RouteDuration = cloneString(a.RouteDuration)
	for _, id := range a.CollectorIDs {
		d.collectors[id] = struct{}{}
	}
	return d
}

// SelectYard replaces the yard. Collectors and crew are kept; a route
// estimate computed for another yard is dropped.
func (d *Draft) SelectYard(id types.ID) {
	if d.YardID != nil && *d.YardID == id {
		return
	}
	d.YardID = &id
	d.RouteDistance = nil
	d.RouteDuration = nil
	d.rev++
}

// ToggleCollector flips membership of id and reports whether it is now selected.
func (d *Draft) ToggleCollector(id types.ID) bool {
	d.rev++
	if _, ok := d.collectors[id]; ok {
		delete(d.collectors, id)
		return false
	}
	d.collectors[id] = struct{}{}
	return true
}

// SelectCrew replaces the crew; nil clears it. Collectors are kept.
func (d *Draft) SelectCrew(id *types.ID) {
	if equalID(d.CrewID, id) {
		return
	}
	d.CrewID = cloneID(id)
	d.rev++
}

func (d *Draft) SetSchedule(start, end *time.Time) {
	d.StartTime = cloneTime(start)
	d.EndTime = cloneTime(end)
	d.rev++
}

func (d *Draft) SetNotes(text string) {
	if d.Notes == text {
		return
	}
	d.Notes = text
	d.rev++
}

// ApplyRouteEstimate stores the estimate and reports whether anything changed.
// Repeating the same estimate is a no-op.
func (d *Draft) ApplyRouteEstimate(distance, duration string) bool {
	if d.RouteDistance != nil && *d.RouteDistance == distance &&
		d.RouteDuration != nil && *d.RouteDuration == duration {
		return false
	}
	d.RouteDistance = &distance
	d.RouteDuration = &duration
	d.rev++
	return true
}

func (d *Draft) HasCollector(id types.ID) bool {
	_, ok := d.collectors[id]
	return ok
}

// CollectorIDs returns the selected collectors sorted by id.
func (d *Draft) CollectorIDs() []types.ID {
	out := make([]types.ID, 0, len(d.collectors))
	for id := range d.collectors {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Revision counts effective mutations.
func (d *Draft) Revision() int {
	return d.rev
}

func (d *Draft) Clone() *Draft {
	cp := &Draft{
		YardID:        cloneID(d.YardID),
		CrewID:        cloneID(d.CrewID),
		StartTime:     cloneTime(d.StartTime),
		EndTime:       cloneTime(d.EndTime),
		Notes:         d.Notes,
		RouteDistance: cloneString(d.RouteDistance),
		RouteDuration: cloneString(d.RouteDuration),
		collectors:    make(map[types.ID]struct{}, len(d.collectors)),
		rev:           d.rev,
	}
	for id := range d.collectors {
		cp.collectors[id] = struct{}{}
	}
	return cp
}

func equalID(a, b *types.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneID(v *types.ID) *types.ID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
