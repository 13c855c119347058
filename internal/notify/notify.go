// Package notify announces newly published denylist versions so retrieval
// services can drop their cached copy without polling the pointer.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/version"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

// DefaultSubject is where publish events are sent.
const DefaultSubject = "denylist.published"

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Metrics counts failed deliveries.
type Metrics interface {
	IncNotifyFailure()
}

// Event is the JSON payload of a publish notification.
type Event struct {
	Version         string    `json:"version"`
	PreviousVersion string    `json:"previous_version,omitempty"`
	Hashes          int       `json:"hashes"`
	Segments        int       `json:"segments"`
	PublishedAt     time.Time `json:"published_at"`
}

// Notifier sends one Event per committed publish run. Delivery is
// best-effort: failures are logged and never fail the run.
type Notifier struct {
	pub     Publisher
	subject string
	logger  log.Logger
	metrics Metrics
	now     func() time.Time
}

// New returns a Notifier. m may be nil.
func New(pub Publisher, subject string, logger log.Logger, m Metrics) *Notifier {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{pub: pub, subject: subject, logger: logger, metrics: m, now: time.Now}
}

// Connect dials NATS with reconnects enabled, logging connection changes.
func Connect(url string, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ctx := context.Background()
	nc, err := nats.Connect(url,
		nats.Name(version.AppName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "disconnected from nats", "err", err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(ctx, "reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, xerrors.Wrapf(err, "connect nats %s", url)
	}
	return nc, nil
}

// OnPublish matches the scheduler's callback signature.
func (n *Notifier) OnPublish(ctx context.Context, res *denylist.Result) {
	if err := n.Notify(res); err != nil {
		if n.metrics != nil {
			n.metrics.IncNotifyFailure()
		}
		n.logger.Error(ctx, err, "publish notification failed",
			"subject", n.subject,
			"version", res.Version,
		)
		return
	}
	n.logger.Debug(ctx, "publish notification sent",
		"subject", n.subject,
		"version", res.Version,
	)
}

func (n *Notifier) Notify(res *denylist.Result) error {
	data, err := json.Marshal(Event{
		Version:         res.Version,
		PreviousVersion: res.PreviousVersion,
		Hashes:          res.Hashes,
		Segments:        res.Segments,
		PublishedAt:     n.now().UTC(),
	})
	if err != nil {
		return xerrors.Wrap(err, "encode publish event")
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return xerrors.Wrapf(err, "nats publish %s", n.subject)
	}
	return nil
}
