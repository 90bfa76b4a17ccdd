package multidisk

// DiskStats describes one disk slot of a set
type DiskStats struct {
	Index  int    `json:"index"`
	UUID   string `json:"uuid"`
	Path   string `json:"path"`
	Online bool   `json:"online"`
}

// SetStats describes one erasure set
type SetStats struct {
	Index     int         `json:"index"`
	State     string      `json:"state"`
	Total     int         `json:"total"`
	Online    int         `json:"online"`
	Quorum    int         `json:"quorum"`
	HasQuorum bool        `json:"has_quorum"`
	Disks     []DiskStats `json:"disks"`
}

// Stats is a snapshot of the coordinator state
type Stats struct {
	DeploymentID string     `json:"deployment_id"`
	Generation   uint64     `json:"generation"`
	SetCount     int        `json:"set_count"`
	DisksPerSet  int        `json:"disks_per_set"`
	TotalDisks   int        `json:"total_disks"`
	OnlineDisks  int        `json:"online_disks"`
	Sets         []SetStats `json:"sets"`
}

// SetsBelowQuorum returns the number of sets that cannot serve quorum operations
func (s Stats) SetsBelowQuorum() int {
	n := 0
	for _, set := range s.Sets {
		if !set.HasQuorum {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of disk status for every set
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{
		DeploymentID: c.format.ID,
		Generation:   c.topology.Generation,
		SetCount:     len(c.sets),
		DisksPerSet:  c.format.DisksPerSet(),
		Sets:         make([]SetStats, len(c.sets)),
	}

	for i := range c.sets {
		s := &c.sets[i]
		online := s.onlineCount()
		// Sets missing from the topology report as active
		state, _ := c.topology.SetState(0, i)
		set := SetStats{
			Index:     i,
			State:     state.String(),
			Total:     len(s.paths),
			Online:    online,
			Quorum:    Quorum(len(s.paths)),
			HasQuorum: IsQuorumReached(online, len(s.paths)),
			Disks:     make([]DiskStats, len(s.paths)),
		}
		for j := range s.paths {
			set.Disks[j] = DiskStats{
				Index:  j,
				UUID:   s.uuids[j],
				Path:   s.paths[j],
				Online: s.online[j],
			}
		}
		st.Sets[i] = set
		st.TotalDisks += set.Total
		st.OnlineDisks += online
	}
	return st
}

// OnlinePaths returns the paths of all online disks
func (c *Coordinator) OnlinePaths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var paths []string
	for i := range c.sets {
		for j, on := range c.sets[i].online {
			if on {
				paths = append(paths, c.sets[i].paths[j])
			}
		}
	}
	return paths
}

// DiskPath returns the path of a disk slot and whether it is online
func (c *Coordinator) DiskPath(setIndex, diskIndex int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if setIndex < 0 || setIndex >= len(c.sets) {
		return "", false
	}
	s := &c.sets[setIndex]
	if diskIndex < 0 || diskIndex >= len(s.paths) {
		return "", false
	}
	return s.paths[diskIndex], s.online[diskIndex]
}
