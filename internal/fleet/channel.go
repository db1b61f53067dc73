package fleet

// ChannelPlan implements the FDMA channel assignment.
//
// Assignment is pure and deterministic: device id modulo channel
// count. There is no assignment table, so changing the channel list
// recomputes every device's channel on the next lookup. All devices
// may shift channels simultaneously when the list is reconfigured.
type ChannelPlan struct {
	channels []string
}

// NewChannelPlan builds a plan over an ordered channel list.
// Returns ErrNoChannels for an empty list.
func NewChannelPlan(channels []string) (*ChannelPlan, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	plan := &ChannelPlan{channels: make([]string, len(channels))}
	copy(plan.channels, channels)
	return plan, nil
}

// ChannelFor returns the channel assigned to a device id.
func (p *ChannelPlan) ChannelFor(deviceID int64) string {
	return p.channels[int(deviceID%int64(len(p.channels)))]
}

// Channels returns a copy of the ordered channel list.
func (p *ChannelPlan) Channels() []string {
	out := make([]string, len(p.channels))
	copy(out, p.channels)
	return out
}
