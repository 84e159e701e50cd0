package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"repcore/internal/segment"
	"repcore/internal/wire"
)

// PingRequest asks a member to describe itself.
type PingRequest struct {
	GroupName string
	From      string
}

func (m *PingRequest) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.GroupName)
	b = wire.AppendString(b, 2, m.From)
	return b
}

func (m *PingRequest) unmarshal(b []byte) error {
	return wire.Range(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.GroupName = f.String()
		case 2:
			m.From = f.String()
		}
		return nil
	})
}

// PingResponse describes the answering member.
type PingResponse struct {
	Name       string
	GroupName  string
	GroupUUID  string
	NodeType   string
	IsMaster   bool
	RangeEnd   uint64
	Load       int
	LogVersion int
	// RangeStart is the first position the member still holds. Zero for an empty log.
	RangeStart uint64
}

func (m *PingResponse) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.Name)
	b = wire.AppendString(b, 2, m.GroupName)
	b = wire.AppendString(b, 3, m.GroupUUID)
	b = wire.AppendString(b, 4, m.NodeType)
	b = wire.AppendBool(b, 5, m.IsMaster)
	b = wire.AppendUint(b, 6, m.RangeEnd)
	b = wire.AppendInt(b, 7, int64(m.Load))
	b = wire.AppendInt(b, 8, int64(m.LogVersion))
	b = wire.AppendUint(b, 9, m.RangeStart)
	return b
}

func (m *PingResponse) unmarshal(b []byte) error {
	return wire.Range(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Name = f.String()
		case 2:
			m.GroupName = f.String()
		case 3:
			m.GroupUUID = f.String()
		case 4:
			m.NodeType = f.String()
		case 5:
			m.IsMaster = f.Bool()
		case 6:
			m.RangeEnd = f.Uint64()
		case 7:
			m.Load = f.Int()
		case 8:
			m.LogVersion = f.Int()
		case 9:
			m.RangeStart = f.Uint64()
		}
		return nil
	})
}

// RestoreRequest opens a restore session on a donor.
type RestoreRequest struct {
	SessionID     string
	GroupName     string
	NodeName      string
	NodeID        int32
	LocalRangeEnd uint64
	MinVLSN       uint64
	ExpectedLoad  int
	RetainFiles   bool
	LogVersion    int
}

func (m *RestoreRequest) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.SessionID)
	b = wire.AppendString(b, 2, m.GroupName)
	b = wire.AppendString(b, 3, m.NodeName)
	b = wire.AppendInt(b, 4, int64(m.NodeID))
	b = wire.AppendUint(b, 5, m.LocalRangeEnd)
	b = wire.AppendUint(b, 6, m.MinVLSN)
	b = wire.AppendInt(b, 7, int64(m.ExpectedLoad))
	b = wire.AppendBool(b, 8, m.RetainFiles)
	b = wire.AppendInt(b, 9, int64(m.LogVersion))
	return b
}

func (m *RestoreRequest) unmarshal(b []byte) error {
	return wire.Range(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.SessionID = f.String()
		case 2:
			m.GroupName = f.String()
		case 3:
			m.NodeName = f.String()
		case 4:
			m.NodeID = int32(f.Int64())
		case 5:
			m.LocalRangeEnd = f.Uint64()
		case 6:
			m.MinVLSN = f.Uint64()
		case 7:
			m.ExpectedLoad = f.Int()
		case 8:
			m.RetainFiles = f.Bool()
		case 9:
			m.LogVersion = f.Int()
		}
		return nil
	})
}

// FrameKind tags a RestoreFrame.
type FrameKind int

const (
	// FrameRejected ends the stream: the donor declined and reports its current range end and load.
	FrameRejected FrameKind = iota + 1
	// FrameManifest lists the segments that follow.
	FrameManifest
	// FrameChunk carries a piece of one segment.
	FrameChunk
	// FrameDone ends a successful stream.
	FrameDone
)

func (k FrameKind) String() string {
	switch k {
	case FrameRejected:
		return "rejected"
	case FrameManifest:
		return "manifest"
	case FrameChunk:
		return "chunk"
	case FrameDone:
		return "done"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// RestoreFrame is one message of the donor's restore stream.
type RestoreFrame struct {
	Kind     FrameKind
	RangeEnd uint64
	Load     int
	// Files is set on FrameManifest.
	Files []segment.Info
	// FileNumber and Data are set on FrameChunk.
	FileNumber uint64
	Data       []byte
}

func (m *RestoreFrame) marshal() []byte {
	var b []byte
	b = wire.AppendInt(b, 1, int64(m.Kind))
	b = wire.AppendUint(b, 2, m.RangeEnd)
	b = wire.AppendInt(b, 3, int64(m.Load))
	for _, f := range m.Files {
		b = wire.AppendMessage(b, 4, segment.EncodeInfo(f))
	}
	b = wire.AppendUint(b, 5, m.FileNumber)
	b = wire.AppendBytes(b, 6, m.Data)
	return b
}

func (m *RestoreFrame) unmarshal(b []byte) error {
	return wire.Range(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Kind = FrameKind(f.Int())
		case 2:
			m.RangeEnd = f.Uint64()
		case 3:
			m.Load = f.Int()
		case 4:
			info, err := segment.DecodeInfo(f.Raw)
			if err != nil {
				return err
			}
			m.Files = append(m.Files, info)
		case 5:
			m.FileNumber = f.Uint64()
		case 6:
			m.Data = f.Bytes()
		}
		return nil
	})
}
