package protocol

import "time"

const (
	DefaultRetries     = 3
	DefaultSendTimeout = 10 * time.Second
	DefaultRecvTimeout = 10 * time.Second
	DefaultBufferSize  = 2048
	DefaultChunkSize   = 1024 * 1024
	DefaultPortLow     = 20001
	DefaultPortHigh    = 20500

	// ReadChunkSize bounds a single socket read inside RecvFramed.
	ReadChunkSize = 64 * 1024
)

// Wire literals. AcceptedPrefix is exactly 30 bytes; the data port follows it.
const (
	AcceptedPrefix      = "Transmission request accepted."
	RequestRejected     = "Transmission request not accepted."
	Finished            = "Finished!"
	ConversationRequest = "I want to start a conversation"
	ConversationAccept  = "I'm listening"
	FileReady           = "ready"

	Separator byte = 0xFF
)

type MessageType uint16

const (
	MsgUnknown       MessageType = 0x0000
	MsgRequest       MessageType = 0x0001
	MsgRequestReply  MessageType = 0x0002
	MsgData          MessageType = 0x0010
	MsgAck           MessageType = 0x0011
	MsgConvRequest   MessageType = 0x0020
	MsgConvAccept    MessageType = 0x0021
	MsgConvMessage   MessageType = 0x0022
	MsgFileHeader    MessageType = 0x0030
	MsgFileReady     MessageType = 0x0031
	MsgFileChunk     MessageType = 0x0032
	MsgRequestReject MessageType = 0x00FF
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "REQUEST"
	case MsgRequestReply:
		return "REQUEST_REPLY"
	case MsgData:
		return "DATA"
	case MsgAck:
		return "ACK"
	case MsgConvRequest:
		return "CONV_REQUEST"
	case MsgConvAccept:
		return "CONV_ACCEPT"
	case MsgConvMessage:
		return "CONV_MESSAGE"
	case MsgFileHeader:
		return "FILE_HEADER"
	case MsgFileReady:
		return "FILE_READY"
	case MsgFileChunk:
		return "FILE_CHUNK"
	case MsgRequestReject:
		return "REQUEST_REJECT"
	default:
		return "UNKNOWN"
	}
}
