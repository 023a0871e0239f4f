package tracking

import (
	"strconv"
	"time"
)

// Outbound event names.
const (
	EventOnlineSucceeded     = "OnlineSucceeded"
	EventOfflineSucceeded    = "OfflineSucceeded"
	EventError               = "Error"
	EventBusPositionUpdated  = "BusPositionUpdated"
	EventNextStopApproaching = "NextStopApproaching"
)

// Broadcast groups.
const (
	GroupSubscribersAll       = "subscribers-all"
	busGroupPrefix            = "bus-"
	subscribersBusGroupPrefix = "subscribers-bus-"
)

// BusGroup is the group a driver connection joins for its own bus.
func BusGroup(busID int) string { return busGroupPrefix + strconv.Itoa(busID) }

// SubscribersBusGroup is the group of listeners following one bus.
func SubscribersBusGroup(busID int) string { return subscribersBusGroupPrefix + strconv.Itoa(busID) }

type OnlineSucceeded struct {
	Success bool `json:"success"`
	BusID   int  `json:"busId"`
}

type OfflineSucceeded struct{}

type BusPositionUpdated struct {
	BusID     int       `json:"busId"`
	BusNumber string    `json:"busNumber"`
	RouteID   *int      `json:"routeId"`
	RouteName *string   `json:"routeName"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed"`
	Heading   *float64  `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

type NextStopApproaching struct {
	BusID            int     `json:"busId"`
	BusNumber        string  `json:"busNumber"`
	StopID           int     `json:"stopId"`
	StopName         string  `json:"stopName"`
	EstimatedSeconds int     `json:"estimatedSeconds"`
	DistanceMeters   float64 `json:"distanceMeters"`
}

// GpsUpdate is the SendGpsUpdate payload.
type GpsUpdate struct {
	Latitude  float64  `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64  `json:"longitude" validate:"gte=-180,lte=180"`
	Speed     *float64 `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading   *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lte=360"`
}

type busRequest struct {
	BusID int `json:"busId" validate:"gt=0"`
}
