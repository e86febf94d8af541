package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/settlement"
)

// reply is the wire answer to a settlement request.
type reply struct {
	TxID     string `json:"txId,omitempty"`
	Rejected bool   `json:"rejected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NATSLedger forwards instructions to a ledger service over NATS
// request/reply.
type NATSLedger struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	owned   bool
}

// Connect dials url with reconnect handling, logging connection changes.
func Connect(url, name string, log *zap.SugaredLogger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warnw("nats_disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// DialNATS connects and returns a ledger that closes the connection on Close.
func DialNATS(url, subject string, timeout time.Duration, log *zap.SugaredLogger) (*NATSLedger, error) {
	conn, err := Connect(url, "darkpool-settlement", log)
	if err != nil {
		return nil, err
	}
	l := NewNATSLedger(conn, subject, timeout)
	l.owned = true
	return l, nil
}

func NewNATSLedger(conn *nats.Conn, subject string, timeout time.Duration) *NATSLedger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSLedger{conn: conn, subject: subject, timeout: timeout}
}

func (l *NATSLedger) SubmitSettlement(ctx context.Context, in settlement.Instruction) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to marshal instruction: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	msg, err := l.conn.RequestWithContext(ctx, l.subject, data)
	if err != nil {
		return "", fmt.Errorf("ledger request for match %s: %w", in.MatchID, err)
	}
	return decodeReply(msg.Data)
}

func (l *NATSLedger) Close() {
	if l.owned && l.conn != nil {
		l.conn.Drain()
		l.conn.Close()
	}
}

func decodeReply(data []byte) (string, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	switch {
	case r.Rejected:
		return "", fmt.Errorf("%w: %s", order.ErrLedgerRejected, r.Error)
	case r.Error != "":
		return "", errors.New(r.Error)
	case r.TxID == "":
		return "", errors.New("ledger reply carries no tx id")
	}
	return r.TxID, nil
}

// handle runs one request against backend and encodes the answer.
func handle(ctx context.Context, backend settlement.Ledger, data []byte) []byte {
	var in settlement.Instruction
	var r reply
	if err := json.Unmarshal(data, &in); err != nil {
		r = reply{Rejected: true, Error: "malformed instruction"}
	} else if tx, err := backend.SubmitSettlement(ctx, in); err != nil {
		r = reply{Rejected: errors.Is(err, order.ErrLedgerRejected), Error: err.Error()}
	} else {
		r = reply{TxID: tx}
	}
	out, _ := json.Marshal(r)
	return out
}

// Serve answers settlement requests on subject with backend. Unsubscribe the
// returned subscription to stop.
func Serve(conn *nats.Conn, subject string, backend settlement.Ledger, timeout time.Duration, log *zap.SugaredLogger) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		out := handle(ctx, backend, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(out); err != nil {
			log.Warnw("ledger_respond_failed", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	log.Infow("ledger_serving", "subject", subject)
	return sub, nil
}

var _ settlement.Ledger = (*NATSLedger)(nil)
