package tracking

import (
	"context"
	"encoding/json"
	"fmt"

	"bustrack/internal/logger"
	"bustrack/internal/model"
)

// Inbound operation names.
const (
	OpGoOnline                = "GoOnline"
	OpGoOffline               = "GoOffline"
	OpSendGpsUpdate           = "SendGpsUpdate"
	OpSubscribeToBus          = "SubscribeToBus"
	OpUnsubscribeFromBus      = "UnsubscribeFromBus"
	OpSubscribeToAllBuses     = "SubscribeToAllBuses"
	OpUnsubscribeFromAllBuses = "UnsubscribeFromAllBuses"
)

// Handle decodes one inbound frame and runs the matching operation.
// Malformed frames are answered with INVALID_MESSAGE and never returned as errors.
func (c *Coordinator) Handle(ctx context.Context, connID string, id model.Identity, op string, data json.RawMessage) error {
	switch op {
	case OpGoOnline:
		var req busRequest
		if !c.decode(connID, op, data, &req) {
			return nil
		}
		c.GoOnline(connID, id, req.BusID)
	case OpGoOffline:
		c.GoOffline(connID)
	case OpSendGpsUpdate:
		var u GpsUpdate
		if !c.decode(connID, op, data, &u) {
			return nil
		}
		c.SendPositionUpdate(ctx, connID, u)
	case OpSubscribeToBus:
		var req busRequest
		if !c.decode(connID, op, data, &req) {
			return nil
		}
		c.SubscribeToBus(connID, req.BusID)
	case OpUnsubscribeFromBus:
		var req busRequest
		if !c.decode(connID, op, data, &req) {
			return nil
		}
		c.UnsubscribeFromBus(connID, req.BusID)
	case OpSubscribeToAllBuses:
		c.SubscribeToAll(connID)
	case OpUnsubscribeFromAllBuses:
		c.UnsubscribeFromAll(connID)
	default:
		c.rejectFrame(connID, op, fmt.Sprintf("unknown operation %q", op))
	}
	return nil
}

// decode unmarshals data into v and validates it. GpsUpdate is validated by
// SendPositionUpdate itself.
func (c *Coordinator) decode(connID, op string, data json.RawMessage, v any) bool {
	if len(data) == 0 {
		c.rejectFrame(connID, op, op+": missing data")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.rejectFrame(connID, op, op+": "+err.Error())
		return false
	}
	if _, isGps := v.(*GpsUpdate); isGps {
		return true
	}
	if err := c.validate.Struct(v); err != nil {
		c.rejectFrame(connID, op, op+": "+err.Error())
		return false
	}
	return true
}

func (c *Coordinator) rejectFrame(connID, op, msg string) {
	c.log.Warn(logger.Entry{
		Action:       "invalid_message",
		Message:      msg,
		ConnectionID: connID,
		Additional:   map[string]any{"op": op},
	})
	c.replyError(connID, errInvalid(msg))
}
