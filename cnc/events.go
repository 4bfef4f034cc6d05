package cnc

import "sync"

// Broker is the controller-wide observation hub. Each event kind has its own
// subscription channel type; ordering is preserved within a channel.
//
// Status updates are conflated: each subscriber channel holds the latest
// snapshot and a slow subscriber only ever misses intermediate states, never
// the current one. The other kinds are buffered; once a subscriber is
// bufferSize events behind, new events are dropped for it until it
// catches up.
type Broker struct {
	mu sync.Mutex

	status    []chan *Status
	connected []chan struct{}
	ready     []chan struct{}
	sent      []chan string
	received  []chan string
	errs      []chan error
}

const bufferSize = 64

// NewBroker creates an empty broker.
func NewBroker() *Broker { return &Broker{} }

// SubscribeStatus returns a channel receiving state snapshots after each
// mutation. Intermediate snapshots may be coalesced.
func (b *Broker) SubscribeStatus() <-chan *Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Status, 1)
	b.status = append(b.status, ch)
	return ch
}

// SubscribeConnected returns a channel signalled when the transport opens.
func (b *Broker) SubscribeConnected() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, bufferSize)
	b.connected = append(b.connected, ch)
	return ch
}

// SubscribeReady returns a channel signalled when the device reports idle
// and un-alarmed.
func (b *Broker) SubscribeReady() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, bufferSize)
	b.ready = append(b.ready, ch)
	return ch
}

// SubscribeSent returns a channel receiving each raw line transmitted to
// the device.
func (b *Broker) SubscribeSent() <-chan string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan string, bufferSize)
	b.sent = append(b.sent, ch)
	return ch
}

// SubscribeReceived returns a channel receiving each raw line read from
// the device.
func (b *Broker) SubscribeReceived() <-chan string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan string, bufferSize)
	b.received = append(b.received, ch)
	return ch
}

// SubscribeErrors returns a channel receiving controller-level errors.
func (b *Broker) SubscribeErrors() <-chan error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan error, bufferSize)
	b.errs = append(b.errs, ch)
	return ch
}

// PublishStatus fans a snapshot out to status subscribers, replacing any
// snapshot a subscriber has not consumed yet.
func (b *Broker) PublishStatus(st *Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.status {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// PublishConnected signals connected subscribers.
func (b *Broker) PublishConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.connected {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PublishReady signals ready subscribers.
func (b *Broker) PublishReady() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.ready {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PublishSent fans a transmitted raw line out to subscribers.
func (b *Broker) PublishSent(raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.sent {
		select {
		case ch <- raw:
		default:
		}
	}
}

// PublishReceived fans a received raw line out to subscribers.
func (b *Broker) PublishReceived(raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.received {
		select {
		case ch <- raw:
		default:
		}
	}
}

// PublishError fans a controller-level error out to subscribers.
func (b *Broker) PublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.errs {
		select {
		case ch <- err:
		default:
		}
	}
}
