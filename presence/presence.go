// Package presence defines the types exchanged between Observers, the
// Aggregator and the display layer. These are the public contract: any
// consumer of the bridge imports this package to encode and decode
// messages.
package presence

import "encoding/json"

// Kind is the bridge message discriminator (the envelope "type" field).
type Kind string

const (
	KindStatusUpdate       Kind = "statusUpdate"       // Observer → Aggregator, fire-and-forget
	KindLivenessPing       Kind = "liveness-ping"      // Observer → Aggregator, fire-and-forget
	KindGetActiveInstances Kind = "getActiveInstances" // display → Aggregator, request
	KindAuthenticate       Kind = "authenticate"       // display → Aggregator, request held open
	KindInstanceOpened     Kind = "instanceOpened"     // host → Aggregator, fire-and-forget
	KindInstanceClosed     Kind = "instanceClosed"     // host → Aggregator, fire-and-forget
)

// StatusActive is the label emitted when a liveness acknowledgment is
// seen in flight.
const StatusActive = "active"

// StatusUnknown is the persisted lastStatus before any event arrives.
const StatusUnknown = "unknown"

// Envelope is the unit carried by the bridge.
type Envelope struct {
	Type   Kind            `json:"type"`
	Sender string          `json:"sender,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// StatusEvent is an immutable record of a detected status transition.
type StatusEvent struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	StatusID   string `json:"statusId,omitempty"`
	Timestamp  int64  `json:"timestamp"` // epoch milliseconds
	URL        string `json:"url"`
	InstanceID string `json:"instanceId,omitempty"`
}

// ResourceRecord is one network resource observation produced by the host.
// Status is zero while the response has not arrived yet.
type ResourceRecord struct {
	URL       string `json:"url"`
	Initiator string `json:"initiator"`
	Status    int    `json:"status,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	At        int64  `json:"at"` // epoch milliseconds
}

// Action selects the credential-service operation.
type Action string

const (
	ActionLogin    Action = "login"
	ActionRegister Action = "register"
)

// Credentials is the authenticate payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Action   Action `json:"action"`
}

// AuthResult is the authenticate result, also the credential service's
// response body.
type AuthResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// AuthSession is the persisted authentication state.
type AuthSession struct {
	Authenticated bool   `json:"isAuthenticated"`
	Email         string `json:"userEmail"`
}

// InstanceRef identifies a monitored document in host lifecycle messages.
type InstanceRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// NetworkErrorMessage is returned to callers when the credential round-trip
// fails or times out.
const NetworkErrorMessage = "Network error"
