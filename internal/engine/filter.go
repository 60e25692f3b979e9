package engine

import "p2p-comments/internal/comment"

// Verdict is the outcome of judging an inbound message.
type Verdict int

const (
	Accept Verdict = iota
	DropMalformed
	DropSelf
	DropNotAddressed
	DropOtherURL
	DropKnown
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case DropMalformed:
		return "malformed"
	case DropSelf:
		return "self"
	case DropNotAddressed:
		return "not_addressed"
	case DropOtherURL:
		return "other_url"
	case DropKnown:
		return "known"
	default:
		return "unknown"
	}
}

// View is the part of engine state the filters look at.
type View struct {
	PeerID    string
	ActiveURL string
	// InTable reports whether a CID is already resolved in the active table.
	InTable func(cid string) bool
}

// JudgePublishCid applies the PublishCid filters in order and returns the
// parsed message with the first failing verdict, or Accept.
func JudgePublishCid(v View, raw []byte) (comment.PublishCid, Verdict) {
	msg, err := comment.ParsePublishCid(raw)
	if err != nil {
		return msg, DropMalformed
	}
	if msg.From == v.PeerID {
		return msg, DropSelf
	}
	if msg.Targeted() && msg.To != v.PeerID {
		return msg, DropNotAddressed
	}
	if msg.URL != v.ActiveURL {
		return msg, DropOtherURL
	}
	if v.InTable != nil && v.InTable(msg.CID) {
		return msg, DropKnown
	}
	return msg, Accept
}

// JudgeRequestCids drops malformed requests and our own echoes. The requested
// URL need not be active: any persisted discussion is answered.
func JudgeRequestCids(v View, raw []byte) (comment.RequestCids, Verdict) {
	msg, err := comment.ParseRequestCids(raw)
	if err != nil {
		return msg, DropMalformed
	}
	if msg.From == v.PeerID {
		return msg, DropSelf
	}
	return msg, Accept
}

// Replies builds one targeted PublishCid per known CID.
func Replies(self string, req comment.RequestCids, known []string) []comment.PublishCid {
	out := make([]comment.PublishCid, 0, len(known))
	for _, cid := range known {
		out = append(out, comment.PublishCid{From: self, To: req.From, URL: req.URL, CID: cid})
	}
	return out
}
