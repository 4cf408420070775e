package obs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"overlay-bridge/internal/conn"
	"overlay-bridge/internal/events"
)

type Config struct {
	Host            string
	Port            int
	Password        string
	MicrophoneInput string
	StatusInterval  time.Duration
	RefreshInputs   []string
	RefreshProperty string
	Reconnect       bool
	ReconnectMax    time.Duration
	RequestTimeout  time.Duration
}

// Adapter keeps one obs-websocket session alive and republishes microphone mute changes
// and stream status onto the hub.
type Adapter struct {
	cfg     Config
	tracker *conn.Tracker
	dial    func(ctx context.Context) (*Client, error)
}

func NewAdapter(cfg Config, tracker *conn.Tracker) *Adapter {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.RefreshProperty == "" {
		cfg.RefreshProperty = "refreshnocache"
	}
	a := &Adapter{cfg: cfg, tracker: tracker}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	a.dial = func(ctx context.Context) (*Client, error) {
		return Dial(ctx, addr, DialOptions{
			Password:           cfg.Password,
			EventSubscriptions: SubGeneral | SubInputs | SubOutputs,
			RequestTimeout:     cfg.RequestTimeout,
		})
	}
	return a
}

// Run connects and serves sessions until ctx is cancelled. Without reconnect it returns
// after the first session ends; authentication failures always end it.
func (a *Adapter) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(time.Second, a.cfg.ReconnectMax)
	bo.MaxInterval = a.cfg.ReconnectMax

	for {
		c := a.tracker.Begin(events.SourceOBS)
		cli, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.Close(nil)
				return nil
			}
			c.Fail(err)
			if !a.cfg.Reconnect || permanent(err) {
				return err
			}
		} else {
			bo.Reset()
			c.Connected()
			err = a.serve(ctx, c, cli)
			_ = cli.Close()
			c.Close(err)
			if ctx.Err() != nil {
				return nil
			}
			if !a.cfg.Reconnect {
				return err
			}
		}

		wait := bo.NextBackOff()
		slog.Info("obs reconnect scheduled", "in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func permanent(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrUnsupportedRPC)
}

func (a *Adapter) serve(ctx context.Context, c *conn.Connection, cli *Client) error {
	a.startupActions(ctx, cli)

	var (
		wg                conc.WaitGroup
		eventErr, pollErr error
	)
	wg.Go(func() { eventErr = a.watchEvents(ctx, c, cli) })
	wg.Go(func() { pollErr = a.pollStatus(ctx, c, cli) })
	wg.Wait()

	if eventErr != nil {
		return eventErr
	}
	return pollErr
}

// startupActions presses the refresh button on each configured input once. Failures are
// not reported.
func (a *Adapter) startupActions(ctx context.Context, cli *Client) {
	for _, input := range a.cfg.RefreshInputs {
		err := cli.Request(ctx, RequestPressInputPropertiesButton, pressInputPropertiesButton{
			InputName:    input,
			PropertyName: a.cfg.RefreshProperty,
		}, nil)
		if err != nil {
			slog.Debug("obs startup action failed", "input", input, "property", a.cfg.RefreshProperty, "error", err)
		}
	}
}

func (a *Adapter) watchEvents(ctx context.Context, c *conn.Connection, cli *Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cli.Done():
			err := cli.Err()
			_ = c.Report(err)
			return err
		case ev := <-cli.Events():
			a.handleEvent(c, ev)
		}
	}
}

func (a *Adapter) handleEvent(c *conn.Connection, ev Event) {
	if ev.Type != EventInputMuteStateChanged || a.cfg.MicrophoneInput == "" {
		return
	}
	var d inputMuteStateChanged
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		slog.Warn("obs mute event skipped", "error", err)
		return
	}
	if d.InputName != a.cfg.MicrophoneInput {
		return
	}
	if err := c.Publish(events.KindMicrophone, events.MicrophoneStatus{Muted: d.InputMuted}); err != nil {
		slog.Warn("obs microphone publish failed", "error", err)
	}
}

func (a *Adapter) pollStatus(ctx context.Context, c *conn.Connection, cli *Client) error {
	t := time.NewTicker(a.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cli.Done():
			err := cli.Err()
			_ = c.Report(err)
			return err
		case <-t.C:
			var st events.StreamStatus
			err := cli.Request(ctx, RequestGetStreamStatus, nil, &st)
			switch {
			case err == nil:
				if perr := c.Publish(events.KindStatus, st); perr != nil {
					slog.Warn("obs status publish failed", "error", perr)
				}
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, events.ErrConnection), errors.Is(err, ErrClientClosed):
				// The client is already shut down, so the event watcher fails too.
				_ = c.Report(err)
				return err
			default:
				slog.Warn("obs status request failed", "error", err)
			}
		}
	}
}
