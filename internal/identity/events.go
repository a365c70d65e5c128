package identity

import (
	"sync"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// EventType は認証状態の変化の種類。
type EventType string

const (
	EventSignedIn       EventType = "signed_in"
	EventSignedUp       EventType = "signed_up"
	EventSignedOut      EventType = "signed_out"
	EventTokenRefreshed EventType = "token_refreshed"
)

// Event はIdPクライアントが発行する認証状態の変化。
// signed_out の場合 Session はnil。
type Event struct {
	Type    EventType
	Session *model.IdentitySession
}

// eventBufferSize は購読者ごとのチャネルバッファ。
const eventBufferSize = 16

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// emitter は購読者へイベントを発行順に配信する。
type emitter struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[int]*subscriber)}
}

// subscribe は購読を開始する。返された関数で購読を解除する。
func (e *emitter) subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &subscriber{
		ch:   make(chan Event, eventBufferSize),
		done: make(chan struct{}),
	}
	if e.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := e.nextID
	e.nextID++
	e.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			// 送信中のemitを先に解放してからロックを取る
			close(sub.done)
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// emit はイベントを全購読者へ送る。購読解除済みの購読者は待たない。
// ロックを保持したまま送信するため、closeと並行してもチャネルは閉じられない。
func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	for _, s := range e.subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

// close は全購読者のチャネルを閉じる。
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, s := range e.subs {
		delete(e.subs, id)
		close(s.ch)
	}
}
