package notify

import (
	"context"
	"sync"
)

// Message is a title and body captured by a fake.
type Message struct {
	Title string
	Body  string
}

// FakeNotifier records sent messages for test assertions.
type FakeNotifier struct {
	mu sync.Mutex

	// Sent contains every message passed to Send.
	Sent []Message

	// SendError, if set, will be returned by Send after recording.
	SendError error
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

func (f *FakeNotifier) Name() string { return "fake" }

// Send records the message.
func (f *FakeNotifier) Send(_ context.Context, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, Message{Title: title, Body: body})
	return f.SendError
}

// Messages returns a copy of the recorded messages.
func (f *FakeNotifier) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.Sent...)
}

// FakePublisher records published payloads for test assertions.
type FakePublisher struct {
	// Topics and Payloads are parallel slices of everything published.
	Topics   []string
	Payloads [][]byte

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the payload.
func (f *FakePublisher) Publish(topic string, payload []byte) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Topics = append(f.Topics, topic)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}
