package dispatch

import (
	"time"

	"scrapdispatch/internal/modules/order"
	"scrapdispatch/internal/types"
)

type View struct {
	SessionID       string     `json:"session_id"`
	Order           OrderView  `json:"order"`
	Step            Step       `json:"step"`
	Draft           *DraftView `json:"draft"`
	Loading         bool       `json:"loading"`
	Committing      bool       `json:"committing"`
	Error           string     `json:"error,omitempty"`
	CandidateErrors []string   `json:"candidate_errors,omitempty"`
}

type OrderView struct {
	ID                types.ID     `json:"id"`
	CustomerName      string       `json:"customer_name"`
	PickupAddress     string       `json:"pickup_address"`
	Pickup            *types.Point `json:"pickup,omitempty"`
	Status            order.Status `json:"status"`
	AssignmentVersion int          `json:"assignment_version"`
}

type DraftView struct {
	YardID        *types.ID  `json:"yard_id"`
	CollectorIDs  []types.ID `json:"collector_ids"`
	CrewID        *types.ID  `json:"crew_id"`
	StartTime     *time.Time `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	Notes         string     `json:"notes"`
	RouteDistance *string    `json:"route_distance"`
	RouteDuration *string    `json:"route_duration"`
}

func buildView(id string, st *Stepper) View {
	o := st.Order()
	v := View{
		SessionID: id,
		Order: OrderView{
			ID:                o.ID,
			CustomerName:      o.CustomerName,
			PickupAddress:     o.PickupAddress,
			Pickup:            o.Pickup,
			Status:            o.Status,
			AssignmentVersion: o.AssignmentVersion,
		},
		Step:       st.Step(),
		Loading:    st.Loading(),
		Committing: st.Committing(),
		Error:      st.LastError(),
	}
	if d := st.draft; d != nil {
		v.Draft = &DraftView{
			YardID:        cloneID(d.YardID),
			CollectorIDs:  d.CollectorIDs(),
			CrewID:        cloneID(d.CrewID),
			StartTime:     cloneTime(d.StartTime),
			EndTime:       cloneTime(d.EndTime),
			Notes:         d.Notes,
			RouteDistance: cloneString(d.RouteDistance),
			RouteDuration: cloneString(d.RouteDuration),
		}
	}
	if snap := st.Snapshot(); snap != nil && snap.Err != nil {
		for _, p := range snap.Err.Pools() {
			v.CandidateErrors = append(v.CandidateErrors, string(p))
		}
	}
	return v
}
