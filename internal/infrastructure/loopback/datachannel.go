package loopback

import (
	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// DataChannel implements ports.DataChannel. Messages are delivered to the
// counterpart on the remote connection's dispatcher.
type DataChannel struct {
	label  string
	owner  *Connection
	local  bool
	remote *DataChannel
	open   bool
	closed bool

	onOpen    func()
	onClose   func()
	onMessage func(domain.ChannelMessage)
}

var _ ports.DataChannel = (*DataChannel)(nil)

// linkLocked creates dc's counterpart on peer, announces it and opens both
// ends.
func linkLocked(dc *DataChannel, peer *Connection) {
	if dc.closed {
		return
	}
	r := &DataChannel{label: dc.label, owner: peer, remote: dc}
	dc.remote = r
	peer.channels = append(peer.channels, r)

	peer.queue.submit(func() {
		peer.net.mu.Lock()
		h := peer.onDC
		peer.net.mu.Unlock()
		if h != nil {
			h(r)
		}
	})

	dc.open = true
	r.open = true
	dc.submit(func() func() { return dc.onOpen })
	r.submit(func() func() { return r.onOpen })
}

// submit queues the handler picked by pick on the owner's dispatcher. The
// handler is read when the callback runs so late registrations still fire.
func (dc *DataChannel) submit(pick func() func()) {
	dc.owner.queue.submit(func() {
		dc.owner.net.mu.Lock()
		h := pick()
		dc.owner.net.mu.Unlock()
		if h != nil {
			h()
		}
	})
}

func (dc *DataChannel) Label() string { return dc.label }

func (dc *DataChannel) Send(data []byte) error {
	return dc.send(data, false)
}

func (dc *DataChannel) SendText(text string) error {
	return dc.send([]byte(text), true)
}

func (dc *DataChannel) send(data []byte, isString bool) error {
	net := dc.owner.net
	net.mu.Lock()
	defer net.mu.Unlock()

	r := dc.remote
	if !dc.open || dc.closed || r == nil || r.closed {
		return ErrChannelNotOpen
	}
	msg := domain.ChannelMessage{
		Label:    r.label,
		Data:     append([]byte(nil), data...),
		IsString: isString,
	}
	r.owner.queue.submit(func() {
		net.mu.Lock()
		h := r.onMessage
		net.mu.Unlock()
		if h != nil {
			h(msg)
		}
	})
	return nil
}

func (dc *DataChannel) OnOpen(fn func()) {
	dc.owner.net.mu.Lock()
	defer dc.owner.net.mu.Unlock()
	dc.onOpen = fn
}

func (dc *DataChannel) OnClose(fn func()) {
	dc.owner.net.mu.Lock()
	defer dc.owner.net.mu.Unlock()
	dc.onClose = fn
}

func (dc *DataChannel) OnMessage(fn func(domain.ChannelMessage)) {
	dc.owner.net.mu.Lock()
	defer dc.owner.net.mu.Unlock()
	dc.onMessage = fn
}

func (dc *DataChannel) Close() error {
	dc.owner.net.mu.Lock()
	defer dc.owner.net.mu.Unlock()
	dc.closeLocked()
	return nil
}

func (dc *DataChannel) closeLocked() {
	if dc.closed {
		return
	}
	dc.closed = true
	dc.open = false
	dc.submit(func() func() { return dc.onClose })

	if r := dc.remote; r != nil && !r.closed {
		r.closed = true
		r.open = false
		r.submit(func() func() { return r.onClose })
	}
}
