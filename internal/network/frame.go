package network

// Frame kinds.
const (
	KindHello = "hello"
	KindPub   = "pub"
)

// Frame is one line on a peer connection.
//
// hello frames are link-local: they tell the neighbour who we are, where we
// listen and which topics we subscribe to. pub frames carry a topic message
// and are flooded through the mesh.
type Frame struct {
	Kind   string   `json:"kind"`
	ID     string   `json:"id,omitempty"`
	From   string   `json:"from"`
	Addr   string   `json:"addr,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
	Data   []byte   `json:"data,omitempty"`
}

// Inbound pairs a frame with the connection key it arrived on.
type Inbound struct {
	Frame  Frame
	Remote string
}
