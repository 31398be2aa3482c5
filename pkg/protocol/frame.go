package protocol

type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Frame is a single outbound websocket message. Binary frames carry session-data
// bytes, text frames carry JSON envelopes.
type Frame struct {
	Kind FrameKind
	Data []byte
}

func TextFrame(messageType Type, payload interface{}) (Frame, error) {
	data, err := Encode(messageType, payload)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Kind: FrameText, Data: data}, nil
}

func BinaryFrame(data []byte) Frame {
	return Frame{Kind: FrameBinary, Data: data}
}
