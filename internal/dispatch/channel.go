package dispatch

import "fmt"

// Channel is a delivery medium for a notification. The set is closed:
// senders are registered against these values only, and dispatch never
// branches on a concrete sender type.
type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelInApp    Channel = "inapp"
	ChannelEmail    Channel = "email"
)

// AllChannels lists every known channel in default fallback order.
func AllChannels() []Channel {
	return []Channel{ChannelPush, ChannelInApp, ChannelWhatsApp, ChannelEmail}
}

// ParseChannel validates a raw channel string from storage or the API.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelPush, ChannelWhatsApp, ChannelInApp, ChannelEmail:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown channel: %q", s)
}

func (c Channel) String() string {
	return string(c)
}
