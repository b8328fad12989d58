package icmp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nanoip/nanoip/internal/netaddr"
	"github.com/nanoip/nanoip/internal/oal"
	"github.com/nanoip/nanoip/internal/status"
)

// PingClient issues repeated echo requests against one target, retrying
// unanswered attempts on an exponential backoff schedule. It is a
// consumer of Module.Ping, not part of the protocol core.
type PingClient struct {
	log            *slog.Logger
	icmp           *Module
	clock          oal.Clock
	attemptTimeout time.Duration
	nextID         uint16
}

// NewPingClient constructs a ping client over an ICMP module with ping
// support enabled.
func NewPingClient(log *slog.Logger, icmpMod *Module, clock oal.Clock, attemptTimeout time.Duration) *PingClient {
	return &PingClient{log: log, icmp: icmpMod, clock: clock, attemptTimeout: attemptTimeout}
}

// Ping sends echo requests to dst until one is answered, the retries are
// spent (maxAttempts is the number of retries after the first send), or
// ctx is cancelled, and returns the observed round-trip time in
// milliseconds on success. A request cancelled through Module.CancelPing
// ends Ping with an error. Ping locks mu with tok only around each send
// and waits for the reply without it; a caller that already holds mu
// under tok keeps holding it for the whole wait.
func (c *PingClient) Ping(ctx context.Context, mu *oal.Mutex, tok oal.Token, dst netaddr.IPv4, payload []byte, maxAttempts uint64) (rttMs int64, err error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts), ctx)
	id := c.nextID
	c.nextID++

	operation := func() error {
		startMs := c.clock.GetMsCounter()
		replyCh := make(chan bool, 1)

		mu.Lock(tok)
		st := c.icmp.Ping(dst, id, payload, func(ok bool) {
			select {
			case replyCh <- ok:
			default:
			}
		})
		mu.Unlock(tok)

		if !st.Ok() && st != status.InProgress {
			return backoff.Permanent(fmt.Errorf("icmp: ping send failed: %s", st))
		}

		select {
		case ok := <-replyCh:
			if !ok {
				return backoff.Permanent(fmt.Errorf("icmp: ping to %s cancelled", dst))
			}
			rttMs = c.clock.GetMsCounter() - startMs
			return nil
		case <-time.After(c.attemptTimeout):
			return fmt.Errorf("icmp: no reply from %s within %s", dst, c.attemptTimeout)
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}

	err = backoff.Retry(operation, bo)
	return rttMs, err
}
