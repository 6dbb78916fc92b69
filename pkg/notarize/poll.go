package notarize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/aluedeke/go-macsign/pkg/config"
	"github.com/aluedeke/go-macsign/pkg/errs"
	"github.com/aluedeke/go-macsign/pkg/tool"
)

// Poller waits for notarization verdicts.
type Poller struct {
	Config   *config.Signing
	Runner   tool.Runner
	Logger   *slog.Logger
	Password string
	Clock    clockwork.Clock
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Poller) clock() clockwork.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clockwork.NewRealClock()
}

func (p *Poller) timing() (timeout, interval time.Duration) {
	timeout, interval = p.Config.NotarizationPollTimeout, p.Config.NotarizationPollInterval
	if timeout <= 0 {
		timeout = config.DefaultPollTimeout
	}
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	return timeout, interval
}

// PollAll polls every request concurrently and fails if any one fails,
// after all of them have finished.
func (p *Poller) PollAll(ctx context.Context, reqs []Request) error {
	return tool.All(len(reqs), func(i int) error {
		return p.Poll(ctx, reqs[i])
	})
}

// Poll checks req until it succeeds, is rejected, or the poll timeout
// elapses. The timeout runs on the wall clock from the first check and
// includes time spent retrying a failing status tool. A status tool that
// keeps failing past the retry budget fails the request instead of
// counting as pending.
func (p *Poller) Poll(ctx context.Context, req Request) error {
	clock := p.clock()
	timeout, interval := p.timing()
	logger := p.logger().With("uuid", req.UUID)

	a := tool.Command("xcrun", "altool", "--notarization-info", req.UUID, "-u", p.Config.NotarizationUsername)
	a.AddIf(p.Config.AppleASCProvider != "", "--asc-provider", p.Config.AppleASCProvider)
	cmd := a.Add("--password").Secret(p.Password).LoggedTo(req.LogPath)
	policy := tool.RetryPolicy{Attempts: p.Config.RetryAttempts, Delay: p.Config.RetryDelay}

	start := clock.Now()
	for {
		err := tool.Retry(ctx, policy, logger, "notarization status", func(ctx context.Context) error {
			return p.Runner.Run(ctx, cmd)
		})
		if err != nil {
			return fmt.Errorf("failed to poll %s: %w", req.UUID, err)
		}
		text, err := os.ReadFile(req.LogPath)
		if err != nil {
			return fmt.Errorf("failed to read notarization log: %w", err)
		}

		switch ParseStatus(string(text)) {
		case Success:
			logger.Info("notarization succeeded")
			return nil
		case Invalid:
			return errs.New(errs.ErrInvalidNotarization, "request %s rejected, see %s", req.UUID, req.LogPath)
		}

		if waited := clock.Since(start); waited >= timeout {
			return errs.New(errs.ErrTimeout, "request %s still pending after %s", req.UUID, waited)
		}
		logger.Debug("notarization pending", "next", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
	}
}
