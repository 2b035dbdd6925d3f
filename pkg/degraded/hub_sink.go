package degraded

import "tripguard/pkg/stream"

// HubSink mirrors alerts onto the ops event stream for connected dashboards.
type HubSink struct{ Hub *stream.Hub }

func (s HubSink) Emit(evt Event) {
	if s.Hub == nil {
		return
	}
	s.Hub.Publish(stream.NewEvent("degraded_mode", evt))
}
