package udp

import (
	"net"

	"github.com/junbin-yang/coapd/pkg/codec"
	"github.com/junbin-yang/coapd/pkg/content"
	"github.com/junbin-yang/coapd/pkg/observe"
	"github.com/junbin-yang/coapd/pkg/reliability"
	"github.com/junbin-yang/coapd/pkg/utils/logger"
)

// ObserveSender builds a fully-framed RFC 7641 notification (token,
// Observe sequence, Content-Format) around the payload the registry hands
// it, then hands it to the socket or, when Reliable is set, to the
// retransmission manager so the notification rides the same Confirmable
// back-off as any other CON message.
//
// One ObserveSender is constructed per subscription since it needs that
// subscription's token and running sequence; see cmd/coapd for the
// construction idiom (Subscribe with a nil Sender, then attach).
type ObserveSender struct {
	Socket    *Socket
	RelMgr    *reliability.Manager
	Sub       *observe.Subscription
	Format    content.Format
	Reliable  bool
	MessageID func() uint16
}

// SendNotify implements pkg/observe.Sender.
func (o *ObserveSender) SendNotify(peerAddr string, payload []byte) error {
	dst, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return err
	}

	typ := codec.NonConfirmable
	if o.Reliable {
		typ = codec.Confirmable
	}
	m := &codec.Message{
		Type:    typ,
		Code:    codec.Content,
		Token:   o.Sub.Token,
		Payload: payload,
	}
	if o.MessageID != nil {
		m.MessageID = o.MessageID()
	}
	m.SetOption(codec.OptionObserve, codec.EncodeUintOption(o.Sub.Sequence()))
	m.SetOption(codec.OptionContentFormat, []byte{byte(o.Format)})

	out, err := codec.SerializeUDP(m)
	if err != nil {
		return err
	}

	if o.Reliable && o.RelMgr != nil {
		return o.RelMgr.Send(m.MessageID, out, dst, func(state reliability.State, sendErr error) {
			if sendErr != nil {
				logger.Warnf("udp: observe notification to %s failed: %v", peerAddr, sendErr)
			}
		})
	}
	return o.Socket.SendTo(dst, out)
}
