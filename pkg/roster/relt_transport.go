package roster

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jabolina/relt/pkg/relt"
	"github.com/pkg/errors"

	"github.com/ks-chat/chatcore/pkg/logging"
)

// RelTTransport is a concrete Transport backed by github.com/jabolina/relt,
// a reliable group-broadcast layer. It is adapted directly from the
// teacher's pkg/mcast/core/transport.go ReliableTransport: same
// construct/poll/consume shape, retargeted so inbound frames are handed
// to a roster's OnMessage instead of a buffered producer channel.
//
// This gives the otherwise-unused relt dependency (the teacher's own,
// carried forward per DESIGN.md) a home as one possible realization of
// the Transport interface the spec defines in §4.D; the UDP discovery
// handshake and raw TCP framing the spec scopes out remain someone
// else's concern regardless of which Transport implementation is
// plugged in.
type RelTTransport struct {
	id     string
	relt   *relt.Relt
	onMsg  func(ctx context.Context, frame []byte)
	logger logging.Logger
	cancel context.CancelFunc
}

// NewRelTTransport joins the relt broadcast group named groupAddr and
// starts polling it. onMessage is called (synchronously, from the poll
// goroutine) for every frame received; pass a Roster's OnMessage.
func NewRelTTransport(peerName, groupAddr string, onMessage func(ctx context.Context, frame []byte), logger logging.Logger) (*RelTTransport, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	conf := relt.DefaultReltConfiguration()
	conf.Name = fmt.Sprintf("%s-%s", peerName, uuid.NewString())
	conf.Exchange = relt.GroupAddress(groupAddr)

	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, errors.Wrap(err, "create relt transport")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &RelTTransport{
		id:     peerName,
		relt:   r,
		onMsg:  onMessage,
		logger: logger,
		cancel: cancel,
	}
	go t.poll(ctx)
	return t, nil
}

// SendTo implements Transport by broadcasting the frame to peerID's relt
// group address.
func (t *RelTTransport) SendTo(ctx context.Context, peerID string, frame []byte) error {
	return t.relt.Broadcast(ctx, relt.Send{
		Address: relt.GroupAddress(peerID),
		Data:    frame,
	})
}

func (t *RelTTransport) poll(ctx context.Context) {
	listener, err := t.relt.Consume()
	if err != nil {
		t.logger.Errorf("relt consume for %s: %v", t.id, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			if recv.Error != nil {
				t.logger.Warnf("relt recv error for %s: %v", t.id, recv.Error)
				continue
			}
			if recv.Data == nil {
				t.logger.Warnf("%s received empty frame", t.id)
				continue
			}
			t.onMsg(ctx, recv.Data)
		}
	}
}

// Close implements Transport.
func (t *RelTTransport) Close() error {
	t.cancel()
	return t.relt.Close()
}
