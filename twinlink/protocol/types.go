package protocol

type MessageType uint8

const (
	MessageTypeHello   MessageType = 1
	MessageTypeWelcome MessageType = 2
	MessageTypeReject  MessageType = 3
	MessageTypeData    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHello:
		return "HELLO"
	case MessageTypeWelcome:
		return "WELCOME"
	case MessageTypeReject:
		return "REJECT"
	case MessageTypeData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Flags modify how a frame payload is interpreted.
type Flags uint8

const (
	// FlagCompressed marks an LZ4 block-compressed payload.
	FlagCompressed Flags = 1 << 0

	knownFlags = FlagCompressed
)

// Version is the handshake protocol version carried in Hello.
const Version uint8 = 1
