package microgen

import (
	"microgen/internal/auth"
	"microgen/internal/config"
	"microgen/internal/protocol"
	"microgen/internal/realtime"
	"microgen/internal/subscription"
)

type (
	Config           = config.Config
	Event            = protocol.Event
	EventType        = protocol.EventType
	ErrorDetail      = protocol.ErrorDetail
	Filter           = protocol.Filter
	Handlers         = realtime.Handlers
	SubscribeOptions = realtime.Options
	ChannelResult    = realtime.ChannelResult
	LookupError      = realtime.LookupError
	TokenSource      = realtime.TokenSource
	TokenFunc        = auth.TokenFunc
	AuthStore        = auth.Store
	SubscriptionInfo = subscription.Info
)

const (
	EventCreateRecord = protocol.EventCreateRecord
	EventUpdateRecord = protocol.EventUpdateRecord
	EventDeleteRecord = protocol.EventDeleteRecord
	EventLinkRecord   = protocol.EventLinkRecord
	EventUnlinkRecord = protocol.EventUnlinkRecord
	EventLogin        = protocol.EventLogin
	EventLogout       = protocol.EventLogout
	EventError        = protocol.EventError

	AllEvents = protocol.AllEvents
)

// LoadConfig reads a JSON configuration file
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
