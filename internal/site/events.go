package site

// EventType names what happened on a site.
type EventType string

const (
	EventFileDone       EventType = "file_done"
	EventFileFailed     EventType = "file_failed"
	EventPeersAdded     EventType = "peers_added"
	EventContentUpdated EventType = "content_updated"
)

// Event is delivered to every joined listener.
type Event struct {
	Type      EventType `json:"type"`
	Site      string    `json:"site"`
	InnerPath string    `json:"inner_path,omitempty"`
	Peers     int       `json:"peers,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Listener receives events. Delivery never blocks the site; a listener that
// is not ready misses the event.
type Listener chan<- Event

func (s *Site) emit(ev Event) {
	ev.Site = s.address.String()
	for _, l := range s.listeners {
		select {
		case l <- ev:
		default:
		}
	}
}
