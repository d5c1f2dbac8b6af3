package media

import "fmt"

// MetadataID identifies the kind of a metadata item.
type MetadataID int

// Metadata kinds understood by the renderer. Anything else is Custom and
// is forwarded untouched.
const (
	MetadataCustom MetadataID = iota
	MetadataEOS
	MetadataDFG
	MetadataResetSessionTime
	MetadataScaleSessionTime
)

func (id MetadataID) String() string {
	switch id {
	case MetadataEOS:
		return "eos"
	case MetadataDFG:
		return "dfg"
	case MetadataResetSessionTime:
		return "reset-session-time"
	case MetadataScaleSessionTime:
		return "scale-session-time"
	case MetadataCustom:
		return "custom"
	default:
		return fmt.Sprintf("metadata(%d)", int(id))
	}
}

// EOS describes an end-of-stream item. A flushing EOS forces downstream to
// drain; an internal EOS is generated by the renderer itself.
type EOS struct {
	Flushing bool
	Internal bool
}

// Metadata is one item attached to a stream segment.
type Metadata struct {
	ID MetadataID
	// Offset is the sample offset within the segment the item applies to.
	Offset uint32
	EOS    EOS
	// SpeedFactor is the Q24 playback speed for scale-session-time items.
	SpeedFactor uint32
	// Tag identifies custom items for diagnostics.
	Tag     string
	Payload []byte
}

// Clone returns a deep copy of m.
func (m *Metadata) Clone() *Metadata {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// IsFlushingEOS reports whether m is a flushing end-of-stream.
func (m *Metadata) IsFlushingEOS() bool {
	return m.ID == MetadataEOS && m.EOS.Flushing
}
