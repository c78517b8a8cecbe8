package mux

import (
	"encoding/binary"
	"fmt"
)

const (
	msgGlobalRequest  = 80
	msgRequestSuccess = 81
	msgRequestFailure = 82

	msgChannelOpen         = 90
	msgChannelOpenConfirm  = 91
	msgChannelOpenFailure  = 92
	msgChannelWindowAdjust = 93
	msgChannelData         = 94
	msgChannelExtendedData = 95
	msgChannelEOF          = 96
	msgChannelClose        = 97
	msgChannelRequest      = 98
	msgChannelSuccess      = 99
	msgChannelFailure      = 100
)

// extendedDataStderr is the data type code of stderr.
const extendedDataStderr = 1

type globalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type globalRequestSuccessMsg struct {
	Data []byte `ssh:"rest" sshtype:"81"`
}

type channelOpenMsg struct {
	ChanType      string `sshtype:"90"`
	PeersID       uint32
	PeersWindow   uint32
	MaxPacketSize uint32
	Extra         []byte `ssh:"rest"`
}

type channelOpenConfirmMsg struct {
	PeersID       uint32 `sshtype:"91"`
	MyID          uint32
	MyWindow      uint32
	MaxPacketSize uint32
	Extra         []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   RejectionReason
	Message  string
	Language string
}

type windowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type channelRequestMsg struct {
	PeersID   uint32 `sshtype:"98"`
	Request   string
	WantReply bool
	Payload   []byte `ssh:"rest"`
}

// channelID returns the recipient channel of a channel message.
func channelID(p []byte) (uint32, error) {
	if len(p) < 5 {
		return 0, fmt.Errorf("mux: short channel message %d", p[0])
	}
	return binary.BigEndian.Uint32(p[1:5]), nil
}

// parseData splits a CHANNEL_DATA or CHANNEL_EXTENDED_DATA message.
func parseData(p []byte) (dataType uint32, data []byte, err error) {
	rest := p[5:]
	if p[0] == msgChannelExtendedData {
		if len(rest) < 4 {
			return 0, nil, fmt.Errorf("mux: short extended data")
		}
		dataType = binary.BigEndian.Uint32(rest)
		rest = rest[4:]
	}
	if len(rest) < 4 {
		return 0, nil, fmt.Errorf("mux: short data")
	}
	n := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if uint32(len(rest)) != n {
		return 0, nil, fmt.Errorf("mux: data length %d, have %d", n, len(rest))
	}
	return dataType, rest, nil
}

func dataPacket(remoteID uint32, data []byte) []byte {
	p := make([]byte, 9+len(data))
	p[0] = msgChannelData
	binary.BigEndian.PutUint32(p[1:], remoteID)
	binary.BigEndian.PutUint32(p[5:], uint32(len(data)))
	copy(p[9:], data)
	return p
}

func idPacket(msg byte, remoteID uint32) []byte {
	p := make([]byte, 5)
	p[0] = msg
	binary.BigEndian.PutUint32(p[1:], remoteID)
	return p
}
