package resource

import "time"

// Profile is a named operating point trading latency for quality. Lower
// levels are more aggressive: smaller buffers and narrower beams keep
// the pipeline real-time when compute is scarce.
type Profile struct {
	Name           string
	Level          int
	BufferDuration time.Duration
	BeamWidth      int
	QueueSize      int
}

var profiles = []Profile{
	{Name: "ULTRA_FAST", Level: 0, BufferDuration: 1500 * time.Millisecond, BeamWidth: 3, QueueSize: 20},
	{Name: "FAST", Level: 1, BufferDuration: 3 * time.Second, BeamWidth: 5, QueueSize: 30},
	{Name: "BALANCED", Level: 2, BufferDuration: 5 * time.Second, BeamWidth: 5, QueueSize: 50},
	{Name: "QUALITY", Level: 3, BufferDuration: 8 * time.Second, BeamWidth: 7, QueueSize: 100},
}

// Profiles returns all operating points ordered from most aggressive to
// highest quality.
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}

// ByName looks up a profile by its configuration name.
func ByName(name string) (Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

func at(level int) Profile {
	if level < 0 {
		level = 0
	}
	if level >= len(profiles) {
		level = len(profiles) - 1
	}
	return profiles[level]
}
