package webrtc

import "github.com/pion/webrtc/v3"

type dataChannel interface {
	Send(data []byte) error
	SendText(s string) error
}

// dataChannelConn adapts a pion data channel to control.Conn. Text codecs
// go out as string messages so browser peers see them as such.
type dataChannelConn struct {
	dc     dataChannel
	binary bool
}

func newDataChannelConn(dc *webrtc.DataChannel, binary bool) *dataChannelConn {
	return &dataChannelConn{dc: dc, binary: binary}
}

func (c *dataChannelConn) Send(data []byte) error {
	if c.binary {
		return c.dc.Send(data)
	}
	return c.dc.SendText(string(data))
}
