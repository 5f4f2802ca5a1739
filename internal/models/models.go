package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a named coordinate picked by a user (pickup, drop, search result).
type Place struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type RideStatus string

const (
	StatusPending   RideStatus = "PENDING"
	StatusPublished RideStatus = "PUBLISHED"
	StatusAccepted  RideStatus = "ACCEPTED"
	StatusOngoing   RideStatus = "ONGOING"
	StatusCompleted RideStatus = "COMPLETED"
)

func (s RideStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusAccepted, StatusOngoing, StatusCompleted:
		return true
	}
	return false
}

type TripType string

const (
	TripOneTime TripType = "ONE_TIME"
	TripRepeat  TripType = "REPEAT"
)

type Car struct {
	Model        string `json:"model,omitempty"`
	Color        string `json:"color,omitempty"`
	Registration string `json:"reg,omitempty"`
}

// HostLocation is only present once the host starts sharing location.
type HostLocation struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Request is a rider's ask to join a ride. It lives embedded on the ride.
type Request struct {
	RiderID   string    `json:"rider_id"`
	RiderName string    `json:"rider_name,omitempty"`
	Pickup    Place     `json:"pickup"`
	CreatedAt time.Time `json:"created_at"`
}

type Ride struct {
	ID               string        `json:"id"`
	Status           RideStatus    `json:"status,omitempty"`
	HostID           string        `json:"host_id,omitempty"`
	Pickup           *Place        `json:"pickup,omitempty"`
	Drop             *Place        `json:"drop,omitempty"`
	Car              *Car          `json:"car,omitempty"`
	Seats            int           `json:"seats"`
	Price            float64       `json:"price"`
	Currency         string        `json:"currency,omitempty"`
	TripType         TripType      `json:"trip_type,omitempty"`
	DepartAt         *time.Time    `json:"depart_at,omitempty"`
	HostLocation     *HostLocation `json:"host_location,omitempty"`
	PendingRequest   *Request      `json:"pending_request,omitempty"`
	AcceptedRequest  *Request      `json:"accepted_request,omitempty"`
	DeclinedRequests []Request     `json:"declined_requests,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	// Version is bumped by the store on every write.
	Version int64 `json:"version"`
}

// Matchable reports whether the ride may appear in nearby-ride results.
// ACCEPTED doubles as the matchable status.
func (r *Ride) Matchable() bool { return r != nil && r.Status == StatusAccepted }

// HostCoord returns the host's shared location, if any.
func (r *Ride) HostCoord() (Coord, bool) {
	if r == nil || r.HostLocation == nil {
		return Coord{}, false
	}
	return Coord{Lat: r.HostLocation.Lat, Lng: r.HostLocation.Lng}, true
}

// Clone returns a deep copy so stores never share memory with callers.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.Pickup != nil {
		p := *r.Pickup
		c.Pickup = &p
	}
	if r.Drop != nil {
		d := *r.Drop
		c.Drop = &d
	}
	if r.Car != nil {
		car := *r.Car
		c.Car = &car
	}
	if r.DepartAt != nil {
		t := *r.DepartAt
		c.DepartAt = &t
	}
	if r.HostLocation != nil {
		hl := *r.HostLocation
		c.HostLocation = &hl
	}
	if r.PendingRequest != nil {
		pr := *r.PendingRequest
		c.PendingRequest = &pr
	}
	if r.AcceptedRequest != nil {
		ar := *r.AcceptedRequest
		c.AcceptedRequest = &ar
	}
	if r.DeclinedRequests != nil {
		c.DeclinedRequests = append([]Request(nil), r.DeclinedRequests...)
	}
	return &c
}

// PendingRequest pairs a ride with its outstanding request, as shown to hosts.
type PendingRequest struct {
	RideID  string  `json:"ride_id"`
	Request Request `json:"pending_request"`
}

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

func (s MessageStatus) Valid() bool {
	return s == MessageSent || s == MessageDelivered || s == MessageRead
}

type Message struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id"`
	From      string        `json:"from"`
	Text      string        `json:"text"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

type Typing struct {
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	IsTyping  bool      `json:"is_typing"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Rating struct {
	ID        string    `json:"id"`
	HostID    string    `json:"host_id"`
	RiderID   string    `json:"rider_id,omitempty"`
	Rating    int       `json:"rating"`
	CreatedAt time.Time `json:"created_at"`
}

type RideEventType string

const (
	EventRidePublished    RideEventType = "ride_published"
	EventRideActivated    RideEventType = "ride_activated"
	EventRequestSubmitted RideEventType = "request_submitted"
	EventRequestAccepted  RideEventType = "request_accepted"
	EventRequestDeclined  RideEventType = "request_declined"
)

// RideEvent is published to the event bus after a successful ride write.
type RideEvent struct {
	Type    RideEventType `json:"type"`
	RideID  string        `json:"ride_id"`
	HostID  string        `json:"host_id,omitempty"`
	RiderID string        `json:"rider_id,omitempty"`
	At      time.Time     `json:"at"`
}

// HostLocationUpdate is the wire shape of a host position report.
type HostLocationUpdate struct {
	RideID string    `json:"ride_id"`
	Lat    float64   `json:"lat"`
	Lng    float64   `json:"lng"`
	At     time.Time `json:"at"`
}
