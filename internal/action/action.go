package action

type Verdict int

const (
	Accept Verdict = iota // 0：let the packet through
	Drop                  // 1：discard the packet
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}
