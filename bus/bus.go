// Package bus implements the in-process publish/subscribe hub that connects
// the acquisition pipeline: serial readers publish raw lines, the sensor
// manager publishes samples, the data processor publishes frames, and the
// test manager records whatever arrives while a test is running.
//
// Dispatch is synchronous on the publisher's goroutine and FIFO per
// publisher. The subscriber table is guarded by a mutex and the handler list
// is copied before iteration, so handlers may subscribe or unsubscribe
// during dispatch without corrupting delivery. A handler panic is recovered
// and logged; it never aborts delivery to the remaining subscribers.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Topic names. Each topic carries exactly one payload type; see events.go.
const (
	TopicSerialData       = "serial_data"        // SerialLine
	TopicSensorRawUpdate  = "sensor_raw_update"  // models.SensorSample, pre-offset
	TopicSensorUpdate     = "sensor_update"      // models.SensorSample, post-offset
	TopicSensorCommand    = "sensor_command"     // Command
	TopicProcessedData    = "processed_data"     // models.ProcessedFrame
	TopicTestPrepared     = "test_prepared"      // *models.TestMetaData
	TopicTestStarted      = "test_started"       // *models.TestMetaData
	TopicTestStopped      = "test_stopped"       // *models.TestMetaData
	TopicTestFinalized    = "test_finalized"     // *models.TestMetaData
	TopicTestStateChanged = "test_state_changed" // bool, true while running
	TopicHistoryUpdated   = "history_updated"    // nil
)

// Handler receives every message published on a subscribed topic.
type Handler func(topic string, msg any)

type subscription struct {
	id int
	fn Handler
}

// Bus is the hub. The zero value is not usable; construct with New.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscription
	log    *zap.SugaredLogger
}

// New constructs an empty bus.
func New(log *zap.SugaredLogger) *Bus {
	return &Bus{
		subs: make(map[string][]subscription),
		log:  log,
	}
}

// Subscription identifies one active subscription so it can be cancelled.
type Subscription struct {
	bus   *Bus
	topic string
	id    int
}

// Unsubscribe removes the subscription. Safe to call from inside a handler.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.topic, s.id)
}

// Subscribe registers fn for every future publish on topic.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscription{id: b.nextID, fn: fn})
	return &Subscription{bus: b, topic: topic, id: b.nextID}
}

func (b *Bus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to every subscriber of topic, in subscription order,
// on the caller's goroutine.
func (b *Bus) Publish(topic string, msg any) {
	b.mu.Lock()
	list := b.subs[topic]
	handlers := make([]subscription, len(list))
	copy(handlers, list)
	b.mu.Unlock()

	for _, s := range handlers {
		b.deliver(topic, msg, s)
	}
}

func (b *Bus) deliver(topic string, msg any, s subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	s.fn(topic, msg)
}
