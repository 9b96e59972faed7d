package memory

import (
	"sync"
	"sync/atomic"
)

// watcher 单个订阅。变更信号会合并，回调总是读取最新快照
type watcher struct {
	id      uint64
	topic   string
	signal  chan struct{}
	broken  chan error
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	deliver func()
	fail    func(error)
}

func (w *watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case err := <-w.broken:
			if !w.closed.Load() {
				w.fail(err)
			}
			return
		case <-w.signal:
			if w.closed.Load() {
				return
			}
			w.deliver()
		}
	}
}

func (w *watcher) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.done)
	})
}

// hub 按 topic 管理订阅
type hub struct {
	mu       sync.Mutex
	nextID   uint64
	watchers map[string]map[uint64]*watcher
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[uint64]*watcher)}
}

func (h *hub) add(topic string, deliver func(), fail func(error)) *watcher {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	w := &watcher{
		id:      h.nextID,
		topic:   topic,
		signal:  make(chan struct{}, 1),
		broken:  make(chan error, 1),
		done:    make(chan struct{}),
		deliver: deliver,
		fail:    fail,
	}
	if h.watchers[topic] == nil {
		h.watchers[topic] = make(map[uint64]*watcher)
	}
	h.watchers[topic][w.id] = w
	go w.run()
	w.notify()
	return w
}

func (h *hub) remove(w *watcher) {
	h.mu.Lock()
	if ws := h.watchers[w.topic]; ws != nil {
		delete(ws, w.id)
		if len(ws) == 0 {
			delete(h.watchers, w.topic)
		}
	}
	h.mu.Unlock()
	w.stop()
}

func (h *hub) publish(topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		for _, w := range h.watchers[topic] {
			w.notify()
		}
	}
}

// breakAll 让所有订阅以 err 结束
func (h *hub) breakAll(err error) {
	h.mu.Lock()
	all := h.watchers
	h.watchers = make(map[string]map[uint64]*watcher)
	h.mu.Unlock()

	for _, ws := range all {
		for _, w := range ws {
			select {
			case w.broken <- err:
			default:
			}
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, ws := range h.watchers {
		n += len(ws)
	}
	return n
}

func (h *hub) closeAll() {
	h.mu.Lock()
	all := h.watchers
	h.watchers = make(map[string]map[uint64]*watcher)
	h.mu.Unlock()

	for _, ws := range all {
		for _, w := range ws {
			w.stop()
		}
	}
}

func userTopic(uid string) string     { return "user:" + uid }
func chatsTopic(uid string) string    { return "chats:" + uid }
func messagesTopic(id string) string  { return "messages:" + id }
func callTopic(id string) string      { return "call:" + id }
func incomingTopic(uid string) string { return "incoming:" + uid }
