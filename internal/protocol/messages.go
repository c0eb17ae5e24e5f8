package protocol

import "time"

// Channel identifies one of the two fixed audio sources.
type Channel string

const (
	// ChannelLocal is the operator side of the call.
	ChannelLocal Channel = "local"
	// ChannelRemote is the other party.
	ChannelRemote Channel = "remote"
)

// Other returns the opposite channel.
func (c Channel) Other() Channel {
	if c == ChannelLocal {
		return ChannelRemote
	}
	return ChannelLocal
}

// Valid reports whether c is one of the two known channels.
func (c Channel) Valid() bool {
	return c == ChannelLocal || c == ChannelRemote
}

// AudioFrame carries channel-tagged 16-bit little-endian mono PCM.
// Offset is measured from the start of the session.
type AudioFrame struct {
	Channel    Channel       `json:"channel"`
	Sequence   int           `json:"sequence"`
	SampleRate int           `json:"sample_rate"`
	PCM        []byte        `json:"pcm"`
	Offset     time.Duration `json:"offset_ms"`
}

// Duration returns the play time of the frame's PCM payload.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.PCM) < 2 {
		return 0
	}
	samples := len(f.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Segment is one timestamped unit of transcribed text on a channel.
// Accepted is decided exactly once by the artifact filter; a segment
// from a permanently failed inference has Failed set and empty text.
type Segment struct {
	SessionID    string        `json:"session_id"`
	Channel      Channel       `json:"channel"`
	Text         string        `json:"text"`
	Start        time.Duration `json:"start_ms"`
	End          time.Duration `json:"end_ms"`
	Confidence   float64       `json:"confidence,omitempty"`
	Accepted     bool          `json:"accepted"`
	Failed       bool          `json:"failed,omitempty"`
	RejectReason string        `json:"reject_reason,omitempty"`
}

// ProfileChange announces an operating-profile transition on the status feed.
type ProfileChange struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Pressure  float64   `json:"pressure"`
	Timestamp time.Time `json:"timestamp"`
}

// FilterStats is a running summary of the artifact filter.
type FilterStats struct {
	SessionID  string    `json:"session_id"`
	Processed  uint64    `json:"processed"`
	Filtered   uint64    `json:"filtered"`
	FilterRate float64   `json:"filter_rate"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectSegmentPrefix    = "transcript.segment"
	SubjectProfileChange    = "status.profile"
	SubjectFilterStats      = "status.filter"
	SubjectSegmentRejected  = "status.rejected"
)

// SegmentSubject returns the per-channel subject accepted segments are
// published on.
func SegmentSubject(c Channel) string {
	return SubjectSegmentPrefix + "." + string(c)
}

// FrameSubject returns the per-channel subject capture publishes on.
func FrameSubject(c Channel) string {
	return SubjectAudioFramePrefix + "." + string(c)
}
