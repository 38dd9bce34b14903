package interfaces

// Subscriber is one status feed client. WriteJSON must be safe for
// concurrent use.
type Subscriber interface {
	ID() string
	WriteJSON(v interface{}) error
	Close() error
	IsClosed() bool
}
