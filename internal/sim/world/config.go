package world

type WorldConfig struct {
	ID         string
	TickRateHz int
	Seed       int64

	// HostFactionName names the faction created for a fresh local world.
	HostFactionName string
}

func (c *WorldConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 60
	}
	if c.HostFactionName == "" {
		c.HostFactionName = "Host colony"
	}
}
