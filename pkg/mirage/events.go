package mirage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// eventKey identifies a single state value reported by the appliance,
// e.g. ("Zone_1", "Volume") or ("Source_20000", "mArt")
type eventKey struct {
	entityID  string
	eventName string
}

func (k eventKey) String() string {
	return k.entityID + "." + k.eventName
}

// eventStore holds the most recent value seen for every (entity, event) pair
// during a session. A missing key means "never reported"; a present key
// holding nil is a deliberate reset (e.g. art cleared when a source stops).
// Values are opaque to the store: strings, string slices, bools, timestamps.
type eventStore struct {
	logger *zap.SugaredLogger

	lock   sync.RWMutex
	values map[eventKey]any
}

func newEventStore(logger *zap.SugaredLogger) *eventStore {
	logger = logger.Named("events")

	es := &eventStore{
		logger: logger,
		values: make(map[eventKey]any),
	}

	logger.Debug("Created event store instance")

	return es
}

func (es *eventStore) get(entityID string, eventName string) (any, bool) {
	es.lock.RLock()
	defer es.lock.RUnlock()

	value, ok := es.values[eventKey{entityID, eventName}]
	return value, ok
}

func (es *eventStore) set(entityID string, eventName string, value any) {
	es.lock.Lock()
	defer es.lock.Unlock()

	es.values[eventKey{entityID, eventName}] = value
}

// pop removes the value and returns it, so a stale reading (like a cached
// track position right before a seek) can be invalidated in one step
func (es *eventStore) pop(entityID string, eventName string) (any, bool) {
	es.lock.Lock()
	defer es.lock.Unlock()

	key := eventKey{entityID, eventName}
	value, ok := es.values[key]
	if ok {
		delete(es.values, key)
	}

	return value, ok
}

// clear drops every stored value. Only the primary connection's session
// reset calls this; side-connection churn must not wipe the table.
func (es *eventStore) clear() {
	es.lock.Lock()
	defer es.lock.Unlock()

	es.values = make(map[eventKey]any)
}

func (es *eventStore) len() int {
	es.lock.RLock()
	defer es.lock.RUnlock()

	return len(es.values)
}

func (es *eventStore) String() string {
	return fmt.Sprintf("<%d events>", es.len())
}
