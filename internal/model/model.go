package model

import "time"

// RouteStop is one stop of a route, ordered by Order (1-based, unique per route).
type RouteStop struct {
	StopID    int
	Name      string
	Latitude  float64
	Longitude float64
	Order     int
}

// BusSnapshot is the read-only projection of a bus, its current route and the
// route's ordered stops, as returned by the persistence layer.
type BusSnapshot struct {
	BusID     int
	BusNumber string
	IsActive  bool
	RouteID   *int
	RouteName *string
	Stops     []RouteStop
}

// CachedBusInfo is the immutable snapshot held by the route metadata cache.
// It is replaced wholesale, never mutated.
type CachedBusInfo struct {
	BusID     int
	BusNumber string
	RouteID   *int
	RouteName *string
	Stops     []RouteStop
	LoadedAt  time.Time
}

// Position is a single GPS sample. Timestamp is assigned by the server on receipt.
type Position struct {
	Latitude  float64
	Longitude float64
	Speed     *float64
	Heading   *float64
	Timestamp time.Time
}

// PositionRecord is a position bound to its bus, as handed to persistence.
type PositionRecord struct {
	BusID int
	Position
}

// Role is the caller's privilege level on the tracking channel.
type Role int

const (
	RoleUser Role = iota
	RoleDriver
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleDriver:
		return "Driver"
	case RoleAdmin:
		return "Admin"
	default:
		return "User"
	}
}

// ParseRole maps a role claim to a Role. Unknown values fall back to RoleUser.
func ParseRole(s string) Role {
	switch s {
	case "Driver", "DRIVER", "driver":
		return RoleDriver
	case "Admin", "ADMIN", "admin":
		return RoleAdmin
	default:
		return RoleUser
	}
}

// CanDrive reports whether the role may claim a bus.
func (r Role) CanDrive() bool { return r == RoleDriver || r == RoleAdmin }

// Identity is the authenticated caller behind a connection.
type Identity struct {
	UserID int
	Role   Role
}

// Anonymous is the identity used when no valid credentials are presented.
var Anonymous = Identity{UserID: 0, Role: RoleUser}
