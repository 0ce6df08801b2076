package dataType

const HunterVersion = "1.0.0"

// Control command codes carried on the control socket.
const (
	CmdAdd   uint8 = 0
	CmdDel   uint8 = 1
	CmdQuery uint8 = 2
	CmdClear uint8 = 3
)

// Protocol maxima.
const (
	MaxBatch   = 12
	MaxQuery   = 50
	MaxAddrLen = 20
)
