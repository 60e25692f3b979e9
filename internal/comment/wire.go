package comment

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// Broadcast topics. The names are part of the wire format.
const (
	TopicPublishCid  = "PUBLISH_CID"
	TopicRequestCids = "REQUEST_CIDS"
)

// PublishCid announces that From holds CID for URL. A non-empty To marks a
// targeted reply to a RequestCids from that peer.
type PublishCid struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
	URL  string `json:"url"`
	CID  string `json:"cid"`
}

// RequestCids asks every subscriber to announce what it holds for URL.
type RequestCids struct {
	From string `json:"from"`
	URL  string `json:"url"`
}

// Targeted reports whether the announcement is a reply to a specific peer.
func (p PublishCid) Targeted() bool { return p.To != "" }

func (p PublishCid) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	return data, errors.Wrap(err, "encode PublishCid")
}

func (r RequestCids) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	return data, errors.Wrap(err, "encode RequestCids")
}

// ParsePublishCid decodes a PUBLISH_CID payload. from, url and cid are
// required; a payload lacking any of them is malformed.
func ParsePublishCid(data []byte) (PublishCid, error) {
	var msg PublishCid
	if err := decodeObject(data, &msg); err != nil {
		return PublishCid{}, err
	}
	if msg.From == "" || msg.URL == "" || msg.CID == "" {
		return PublishCid{}, errors.Wrap(ErrMalformed, "PublishCid missing from/url/cid")
	}
	return msg, nil
}

// ParseRequestCids decodes a REQUEST_CIDS payload.
func ParseRequestCids(data []byte) (RequestCids, error) {
	var msg RequestCids
	if err := decodeObject(data, &msg); err != nil {
		return RequestCids{}, err
	}
	if msg.From == "" || msg.URL == "" {
		return RequestCids{}, errors.Wrap(ErrMalformed, "RequestCids missing from/url")
	}
	return msg, nil
}

func decodeObject(data []byte, v any) error {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return ErrMalformed
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode wire message"), ErrMalformed)
	}
	return nil
}
