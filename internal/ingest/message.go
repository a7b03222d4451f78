package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/services"
)

// ErrMalformedMessage marks a message that can never be ingested.
var ErrMalformedMessage = errors.New("malformed event message")

// EventMessage is an EONET v3 event as published on the events topic.
type EventMessage struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	Closed     *time.Time         `json:"closed"`
	Categories []EventCategoryRef `json:"categories"`
	Geometry   []EventGeometry    `json:"geometry"`
}

// EventCategoryRef names one category of an event.
type EventCategoryRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// EventGeometry is one dated observation of an event. Only Point
// observations carry a usable location.
type EventGeometry struct {
	Date        time.Time       `json:"date"`
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// DecodeEventMessage parses an EONET event into an ingest input. The latest
// Point observation supplies the location and observation time; the whole
// message is kept as the event payload.
func DecodeEventMessage(data []byte) (*services.EventInput, error) {
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}

	var (
		latest *EventGeometry
		point  models.Point
	)
	for i := range msg.Geometry {
		g := &msg.Geometry[i]
		if g.Type != "Point" {
			continue
		}
		var coords [2]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return nil, fmt.Errorf("%w: event %s: bad point coordinates: %v", ErrMalformedMessage, msg.ID, err)
		}
		if latest == nil || g.Date.After(latest.Date) {
			latest = g
			point = models.Point{Lat: coords[1], Lng: coords[0]}
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: event %s has no point geometry", ErrMalformedMessage, msg.ID)
	}

	category := string(models.CategoryOther)
	if len(msg.Categories) > 0 {
		category = msg.Categories[0].ID
	}

	status := models.StatusOpen
	if msg.Closed != nil {
		status = models.StatusClosed
	}

	return &services.EventInput{
		ExternalSourceID: msg.ID,
		Category:         category,
		Status:           status,
		Point:            point,
		ObservedAt:       latest.Date,
		Payload:          data,
	}, nil
}
