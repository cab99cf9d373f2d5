package api

import (
	"context"
	"errors"
)

// ErrNotWatching is returned by Provider.Depth when no market is watched.
var ErrNotWatching = errors.New("no market watched")

// Provider is the engine surface the dashboard reads and controls.
type Provider interface {
	Status() StatusSnapshot
	Depth() (DepthSnapshot, error)
	Watch(ctx context.Context, slug string) error
	Unwatch()
	Reconnect()
	DashboardEvents() <-chan DashboardEvent
}

// snapshotEvent wraps the current status as the first message a dashboard
// client receives.
func snapshotEvent(p Provider) DashboardEvent {
	st := p.Status()
	return DashboardEvent{
		Type:      EventSnapshot,
		Timestamp: st.Timestamp,
		Data:      st,
	}
}
