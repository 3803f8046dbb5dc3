package protocol

import (
	"encoding/json"
	"time"
)

// Category tags an outbound event and selects the queue it travels on.
type Category string

const (
	CategoryMatch   Category = "match"
	CategoryVehicle Category = "vehicle"
	CategoryLog     Category = "log"
)

// Categories lists every category in the order the server drains them.
var Categories = []Category{CategoryMatch, CategoryVehicle, CategoryLog}

// Event is an outbound message destined for connected clients.
type Event interface {
	Category() Category
	Message() Message
}

// RoadMatch reports a road vocabulary hit.
type RoadMatch struct {
	Road string
}

func (RoadMatch) Category() Category { return CategoryMatch }

func (e RoadMatch) Message() Message {
	return Message{Type: CategoryMatch, Data: e.Road}
}

// VehicleMatch reports a vehicle vocabulary hit. ImagePath is empty when no
// image could be resolved.
type VehicleMatch struct {
	Name      string
	ImagePath string
}

func (VehicleMatch) Category() Category { return CategoryVehicle }

func (e VehicleMatch) Message() Message {
	payload := VehiclePayload{Name: e.Name}
	if e.ImagePath != "" {
		image := e.ImagePath
		payload.Image = &image
	}
	return Message{Type: CategoryVehicle, Data: payload}
}

// Log carries a human readable status line for the client.
type Log struct {
	Text string
}

func (Log) Category() Category { return CategoryLog }

func (e Log) Message() Message {
	return Message{Type: CategoryLog, Data: e.Text}
}

// Message is the wire envelope written to websocket clients.
type Message struct {
	Type Category `json:"type"`
	Data any      `json:"data"`
}

// VehiclePayload is the data field of a vehicle message; Image encodes as
// null when unknown.
type VehiclePayload struct {
	Name  string  `json:"name"`
	Image *string `json:"image"`
}

// Encode renders the wire form of evt.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt.Message())
}

// Envelope is the bus form of an event, carrying pass correlation.
type Envelope struct {
	PassID    string    `json:"pass_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   Message   `json:"message"`
}

// TriggerEdge is published on the trigger subject by remote push-to-talk
// sources.
type TriggerEdge struct {
	Edge string `json:"edge"`
}

const (
	SubjectEventPrefix = "event"
	SubjectTrigger     = "trigger"
)
