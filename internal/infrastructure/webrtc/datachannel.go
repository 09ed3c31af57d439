package webrtc

import (
	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// DataChannel adapts a pion DataChannel to ports.DataChannel.
type DataChannel struct {
	dc *webrtc.DataChannel
}

var _ ports.DataChannel = (*DataChannel)(nil)

func (d *DataChannel) Label() string { return d.dc.Label() }

func (d *DataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *DataChannel) SendText(text string) error { return d.dc.SendText(text) }

// OnOpen fires immediately if the channel is already open.
func (d *DataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *DataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *DataChannel) OnMessage(fn func(domain.ChannelMessage)) {
	label := d.dc.Label()
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(domain.ChannelMessage{Label: label, Data: msg.Data, IsString: msg.IsString})
	})
}

func (d *DataChannel) Close() error { return d.dc.Close() }
