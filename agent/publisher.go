package agent

import (
	"github.com/guseggert/mklauncher/agent/state"
	"github.com/guseggert/mklauncher/protocol"
	"github.com/guseggert/mklauncher/transport"
	"go.uber.org/zap"
)

// publisher decides what goes out on the launcher topic each tick. It is not safe for
// concurrent use, the Launcher's mutex guards it.
type publisher struct {
	log     *zap.SugaredLogger
	pub     transport.PubSocket
	store   *state.Store
	metrics *Metrics

	subscribed bool
	pingRatio  int
	pingCount  int
}

func (p *publisher) handleSubscription(sub transport.Subscription) {
	if sub.Topic != Topic {
		p.log.Debugf("ignoring subscription change of topic %q", sub.Topic)
		if sub.Activate != nil {
			sub.Activate()
		}
		return
	}
	if sub.Subscribed {
		p.log.Debug("subscriber joined, full update owed")
		p.subscribed = true
		p.pingCount = 0
		p.store.RequestFullUpdate()
		// the owed full update is the first frame the new subscriber can see
		if sub.Activate != nil {
			sub.Activate()
		}
	} else {
		p.log.Debug("last subscriber left")
		p.subscribed = false
	}
	p.metrics.setSubscribed(p.subscribed)
}

// tick folds process activity into the store on every call, but only transmits while
// someone is subscribed.
func (p *publisher) tick() {
	c := p.store.Diff()
	if !p.subscribed {
		return
	}
	if c != nil {
		p.send(c)
	}
	if p.pingRatio <= 0 {
		return
	}
	p.pingCount++
	if p.pingCount >= p.pingRatio {
		p.pingCount = 0
		p.send(&protocol.Container{Type: protocol.MessageTypePing})
	}
}

func (p *publisher) send(c *protocol.Container) {
	b, err := protocol.Encode(c)
	if err != nil {
		p.log.Errorw("encoding state message", "Type", c.Type, "Error", err)
		return
	}
	if err := p.pub.Publish(Topic, b); err != nil {
		p.log.Warnw("publishing state message", "Type", c.Type, "Error", err)
		return
	}
	p.metrics.frames.WithLabelValues(string(c.Type)).Inc()
	p.log.Debugw("published", "Type", c.Type, "Launchers", len(c.Launcher), "Bytes", len(b))
}
