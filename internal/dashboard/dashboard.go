// Package dashboard wires one role's live order view together from the
// current session.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/campusbite/ordersync/internal/cache"
	"github.com/campusbite/ordersync/internal/client"
	"github.com/campusbite/ordersync/internal/mutation"
	"github.com/campusbite/ordersync/internal/notify"
	"github.com/campusbite/ordersync/internal/realtime"
	"github.com/campusbite/ordersync/internal/session"
	"github.com/campusbite/ordersync/internal/tracker"
)

var ErrUnmounted = errors.New("dashboard has been unmounted")

// defaultSweepGrace is how long an order may sit past its TTL before the
// poller drops it from the cache.
const defaultSweepGrace = 10 * time.Minute

// Options tunes a Dashboard. Zero values take the package defaults.
type Options struct {
	RetryDelay   time.Duration
	PollInterval time.Duration
	CacheTTL     time.Duration
	SweepGrace   time.Duration

	Dialer     realtime.Dialer
	Notifier   notify.Dispatcher
	HTTPClient *http.Client
	// Cache lets several views share one store.
	Cache *cache.Store
}

type Dashboard struct {
	session *session.Session
	cache   *cache.Store
	tracker *tracker.Tracker
	channel *realtime.Channel
	coord   *mutation.Coordinator
	log     *slog.Logger
	grace   time.Duration

	mu        sync.Mutex
	mounted   bool
	unmounted bool
}

// New builds the dashboard for the manager's current session. Logging out
// through the manager unmounts it and clears the cache.
func New(sessions *session.Manager, opts Options, log *slog.Logger) (*Dashboard, error) {
	s, err := sessions.Current()
	if err != nil {
		return nil, err
	}

	var clientOpts []client.Option
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, client.WithHTTPClient(opts.HTTPClient))
	}
	api := client.New(s, clientOpts...)

	store := opts.Cache
	if store == nil {
		var cacheOpts []cache.Option
		if opts.CacheTTL > 0 {
			cacheOpts = append(cacheOpts, cache.WithTTL(opts.CacheTTL))
		}
		store = cache.New(cacheOpts...)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogDispatcher{Logger: log}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = realtime.WebsocketDialer{}
	}

	grace := opts.SweepGrace
	if grace <= 0 {
		grace = defaultSweepGrace
	}

	log = log.With("actor_id", s.ActorID.String(), "role", string(s.Role))
	tr := tracker.New(s.Role, store, api, notifier, log)

	d := &Dashboard{
		session: s,
		cache:   store,
		tracker: tr,
		coord:   mutation.New(api, tr, notifier),
		log:     log,
		grace:   grace,
	}
	d.channel = realtime.New(realtime.Config{
		URL:          s.StreamURL(),
		RetryDelay:   opts.RetryDelay,
		PollInterval: opts.PollInterval,
		Poller:       d.poll,
		OnState: func(st realtime.State) {
			log.Debug("realtime state changed", "state", st.String())
		},
	}, dialer, tr, log)

	sessions.OnClear(func() {
		d.Unmount()
		store.Clear()
	})
	return d, nil
}

// Mount loads the current orders and opens the push stream. A failed
// initial load is logged; the poller and pushes fill the view later.
func (d *Dashboard) Mount(ctx context.Context) error {
	d.mu.Lock()
	if d.unmounted {
		d.mu.Unlock()
		return ErrUnmounted
	}
	if d.mounted {
		d.mu.Unlock()
		return nil
	}
	d.mounted = true
	d.mu.Unlock()

	if err := d.tracker.Refresh(ctx); err != nil {
		d.log.Warn("initial order load failed", "error", err)
	}
	if err := d.channel.Start(ctx); err != nil {
		return err
	}
	d.log.Info("dashboard mounted")
	return nil
}

// Unmount closes the channel, stops background fetches and turns off the
// stale-response guard. No callback fires once it returns.
func (d *Dashboard) Unmount() {
	d.mu.Lock()
	if d.unmounted {
		d.mu.Unlock()
		return
	}
	d.unmounted = true
	d.mu.Unlock()

	d.channel.Close()
	d.tracker.Close()
	d.log.Info("dashboard unmounted")
}

// poll refreshes the order list and then evicts entries that stayed expired
// past the sweep grace, such as orders that left the list.
func (d *Dashboard) poll(ctx context.Context) error {
	err := d.tracker.Refresh(ctx)
	if n := d.cache.Sweep(d.grace); n > 0 {
		d.log.Debug("swept expired cache entries", "count", n)
	}
	return err
}

func (d *Dashboard) Session() *session.Session { return d.session }
func (d *Dashboard) Cache() *cache.Store { return d.cache }
func (d *Dashboard) Tracker() *tracker.Tracker { return d.tracker }
func (d *Dashboard) Channel() *realtime.Channel { return d.channel }
func (d *Dashboard) Mutations() *mutation.Coordinator { return d.coord }
