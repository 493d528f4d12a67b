package node

import (
	"context"

	"github.com/xiaonanln/goreplica/transport"
	"github.com/xiaonanln/goreplica/util/backoff"
	"github.com/xiaonanln/goreplica/util/metrics"
)

// peer is an outbound URL the node keeps a connection to.
type peer struct {
	url     string
	ctx     context.Context
	cancel  context.CancelFunc
	backoff *backoff.Backoff
}

// connectLocked starts maintaining a connection to rawURL unless one exists.
func (node *Node) connectLocked(rawURL string) {
	if _, ok := node.peers[rawURL]; ok {
		return
	}
	ctx, cancel := context.WithCancel(node.ctx)
	p := &peer{
		url:     rawURL,
		ctx:     ctx,
		cancel:  cancel,
		backoff: backoff.New(node.cfg.ReconnectInitial, node.cfg.ReconnectMax, 2).WithJitter(0.2),
	}
	node.peers[rawURL] = p
	node.logger.Infof("Connecting to %s", rawURL)
	go node.runPeer(p)
}

// runPeer dials p until its context is cancelled. After a connection that
// completed its handshake closes, the backoff starts over.
func (node *Node) runPeer(p *peer) {
	scheme := schemeOf(p.url)
	for {
		stream, err := transport.Dial(p.ctx, p.url, node.transportOptions())
		if err == nil {
			c := node.newConnection(stream, p.url, scheme)
			select {
			case <-c.Done():
			case <-p.ctx.Done():
				c.Close()
				return
			}
			if c.PeerNodeID() != "" {
				p.backoff.Reset()
			}
			node.logger.Debugf("Connection to %s closed: %v", p.url, c.Err())
		} else {
			node.logger.Debugf("Dial %s failed: %v", p.url, err)
		}

		if p.ctx.Err() != nil {
			return
		}
		metrics.RecordReconnectAttempt(node.id)
		if err := p.backoff.Wait(p.ctx); err != nil {
			return
		}
	}
}
