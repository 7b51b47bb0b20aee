package signal

// Methods of the store websocket protocol spoken between RemoteStore and
// the signal store server.
const (
	MethodInsert         = "INSERT"
	MethodInsertResponse = "INSERT_RESPONSE"
	MethodWatch          = "WATCH"
	MethodUnwatch        = "UNWATCH"
	MethodResult         = "RESULT"
	MethodError          = "ERROR"
)

// StoreMessage is the generic websocket message envelope of the store
// protocol. RequestID correlates INSERT with INSERT_RESPONSE and WATCH with
// the RESULT pushes it produces.
type StoreMessage struct {
	Method    string   `json:"method"`
	RequestID string   `json:"requestId,omitempty"`
	Record    *Record  `json:"record,omitempty"`
	Query     *Query   `json:"query,omitempty"`
	Records   []Record `json:"records,omitempty"`
	Error     string   `json:"error,omitempty"`
}
