package feed

import appErrors "github.com/noah-isme/classroom-sync/pkg/errors"

// MessageType tags frames on the stream transport.
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageError    MessageType = "error"
)

// WireError is the transport form of a feed error.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Message is a single JSON frame sent from the stream endpoint.
type Message struct {
	Type     MessageType `json:"type"`
	Snapshot *Snapshot   `json:"snapshot,omitempty"`
	Error    *WireError  `json:"error,omitempty"`
}

// SnapshotMessage wraps a snapshot for the wire.
func SnapshotMessage(snap Snapshot) Message {
	return Message{Type: MessageSnapshot, Snapshot: &snap}
}

// ErrorMessage converts any error into its wire form.
func ErrorMessage(err error) Message {
	appErr := appErrors.FromError(err)
	return Message{Type: MessageError, Error: &WireError{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Retryable: appErr.Retryable(),
	}}
}

// Err rebuilds a feed error from its wire form.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	e := appErrors.Feed(nil, w.Message, w.Retryable)
	if w.Code != "" && w.Code != appErrors.ErrFeed.Code {
		e.Message = w.Code + ": " + w.Message
	}
	return e
}
