package router

import (
	"context"
	"sync"
	"sync/atomic"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// MemoryNode is an in-process routing node. Links dialed from the same
// node see each other's traffic. Useful for testing and single-process
// scenarios.
type MemoryNode struct {
	config Config

	mu       sync.RWMutex
	links    map[*memoryLink]struct{}
	subs     map[string][]*memorySub
	shutdown atomic.Bool
}

type memoryLink struct {
	node   *MemoryNode
	done   chan struct{}
	closed atomic.Bool
}

type memorySub struct {
	subject string
	link    *memoryLink
	ch      chan *Message
	closed  bool // guarded by node.mu
}

// NewMemoryNode creates a new in-process routing node.
func NewMemoryNode(cfg Config) *MemoryNode {
	return &MemoryNode{
		config: cfg.withDefaults(),
		links:  make(map[*memoryLink]struct{}),
		subs:   make(map[string][]*memorySub),
	}
}

// Dial opens a link to the node.
func (n *MemoryNode) Dial(ctx context.Context) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, buserr.Wrap(err, "dial memory node")
	}
	if n.shutdown.Load() {
		return nil, buserr.New(buserr.ErrCodeNoRoutingNode, "memory node is shut down")
	}

	l := &memoryLink{node: n, done: make(chan struct{})}
	n.mu.Lock()
	n.links[l] = struct{}{}
	n.mu.Unlock()
	return l, nil
}

// Sever drops a link as if its transport failed.
func (n *MemoryNode) Sever(l Link) {
	if ml, ok := l.(*memoryLink); ok && ml.node == n {
		ml.Close()
	}
}

// Shutdown severs every link and refuses further dials.
func (n *MemoryNode) Shutdown() {
	n.shutdown.Store(true)
	n.mu.RLock()
	links := make([]*memoryLink, 0, len(n.links))
	for l := range n.links {
		links = append(links, l)
	}
	n.mu.RUnlock()
	for _, l := range links {
		l.Close()
	}
}

// Links returns the number of open links.
func (n *MemoryNode) Links() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.links)
}

// deliver fans msg out to every subscriber of its subject. Full buffers
// drop the message for that subscriber.
func (n *MemoryNode) deliver(msg *Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs[msg.Subject] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// removeSub drops one subscription. Caller holds n.mu.
func (n *MemoryNode) removeSub(target *memorySub) {
	if target.closed {
		return
	}
	target.closed = true
	close(target.ch)
	subs := n.subs[target.subject]
	for i, sub := range subs {
		if sub == target {
			n.subs[target.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(n.subs[target.subject]) == 0 {
		delete(n.subs, target.subject)
	}
}

// Publish sends a message to all subscribers.
func (l *memoryLink) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if l.closed.Load() {
		return buserr.ConnectionClosed()
	}
	l.node.deliver(&Message{Subject: subject, Data: data})
	return nil
}

// Subscribe creates a subscription to a subject.
func (l *memoryLink) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	sub := &memorySub{
		subject: subject,
		link:    l,
		ch:      make(chan *Message, l.node.config.BufferSize),
	}

	l.node.mu.Lock()
	defer l.node.mu.Unlock()
	if l.closed.Load() {
		return nil, buserr.ConnectionClosed()
	}
	l.node.subs[subject] = append(l.node.subs[subject], sub)
	return sub, nil
}

func (l *memoryLink) Done() <-chan struct{} {
	return l.done
}

// Close ends the link and all of its subscriptions.
func (l *memoryLink) Close() error {
	n := l.node
	n.mu.Lock()
	if l.closed.Swap(true) {
		n.mu.Unlock()
		return nil
	}
	delete(n.links, l)
	for _, subs := range n.subs {
		for _, sub := range append([]*memorySub(nil), subs...) {
			if sub.link == l {
				n.removeSub(sub)
			}
		}
	}
	n.mu.Unlock()

	close(l.done)
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	n := s.link.node
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeSub(s)
	return nil
}
