// Package subscriptions tracks which resource URIs each session follows and
// pushes periodic update notifications to that session's own transport.
package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/protocol"
	"github.com/antoniostano/taskhub/internal/tasks"
	"github.com/antoniostano/taskhub/internal/transport"
)

const DefaultInterval = 10 * time.Second

type delivery struct {
	transport transport.Transport
	cancel    context.CancelFunc
	done      chan struct{}
}

type Registry struct {
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu          sync.Mutex
	subscribers map[string]map[string]struct{}
	deliveries  map[string]*delivery
	pairs       int
}

func NewRegistry(interval time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		interval:    interval,
		logger:      logger.With(slog.String("component", "subscriptions")),
		metrics:     metrics,
		subscribers: make(map[string]map[string]struct{}),
		deliveries:  make(map[string]*delivery),
	}
}

// Subscribe adds sessionID to the subscriber set of uri. Repeating it is a
// no-op.
func (r *Registry) Subscribe(uri, sessionID string) error {
	uri, sessionID, err := normalize(uri, sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[uri]
	if !ok {
		set = make(map[string]struct{})
		r.subscribers[uri] = set
	}
	if _, exists := set[sessionID]; !exists {
		set[sessionID] = struct{}{}
		r.pairs++
		r.reportPairsLocked()
	}
	return nil
}

// Unsubscribe removes the membership if present.
func (r *Registry) Unsubscribe(uri, sessionID string) error {
	uri, sessionID, err := normalize(uri, sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(uri, sessionID)
	return nil
}

// BeginDelivery starts the per-session update loop over tr. It reports false
// when the session already has one running.
func (r *Registry) BeginDelivery(sessionID string, tr transport.Transport) bool {
	if strings.TrimSpace(sessionID) == "" || tr == nil {
		return false
	}
	r.mu.Lock()
	if _, exists := r.deliveries[sessionID]; exists {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &delivery{transport: tr, cancel: cancel, done: make(chan struct{})}
	r.deliveries[sessionID] = d
	r.reportDeliveriesLocked()
	r.mu.Unlock()

	go r.deliver(ctx, sessionID, d)
	return true
}

// StopDelivery cancels the session's loop and forgets its transport. It is
// a no-op for sessions without delivery. When it returns no further
// notifications will be sent for sessionID.
func (r *Registry) StopDelivery(sessionID string) {
	r.mu.Lock()
	d := r.detachLocked(sessionID)
	r.mu.Unlock()
	stop(d)
}

// Toggle starts delivery when it is off and stops it when it is on. It
// returns whether delivery is running afterwards.
func (r *Registry) Toggle(sessionID string, tr transport.Transport) bool {
	if r.Delivering(sessionID) {
		r.StopDelivery(sessionID)
		return false
	}
	return r.BeginDelivery(sessionID, tr) || r.Delivering(sessionID)
}

// RemoveSession drops every membership of sessionID and stops its delivery
// under one critical section, so a concurrent tick cannot observe a half
// removed session.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	for uri, set := range r.subscribers {
		if _, ok := set[sessionID]; ok {
			r.unsubscribeLocked(uri, sessionID)
		}
	}
	d := r.detachLocked(sessionID)
	r.mu.Unlock()
	stop(d)
}

func (r *Registry) Delivering(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.deliveries[sessionID]
	return ok
}

// Subscriptions lists the URIs sessionID follows, sorted.
func (r *Registry) Subscriptions(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.urisLocked(sessionID)
}

func (r *Registry) Subscribers(uri string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subscribers[uri]))
	for sessionID := range r.subscribers[uri] {
		out = append(out, sessionID)
	}
	sort.Strings(out)
	return out
}

// Close stops every delivery loop.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*delivery, 0, len(r.deliveries))
	for sessionID := range r.deliveries {
		all = append(all, r.detachLocked(sessionID))
	}
	r.mu.Unlock()
	for _, d := range all {
		stop(d)
	}
}

func (r *Registry) deliver(ctx context.Context, sessionID string, d *delivery) {
	defer close(d.done)
	logger := r.logger.With(slog.String("session_id", sessionID))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.transport.Done():
			// The connection went away on its own; drop the delivery entry
			// if it is still ours.
			r.mu.Lock()
			if r.deliveries[sessionID] == d {
				delete(r.deliveries, sessionID)
				r.reportDeliveriesLocked()
			}
			r.mu.Unlock()
			d.cancel()
			return
		case <-ticker.C:
			r.mu.Lock()
			uris := r.urisLocked(sessionID)
			r.mu.Unlock()
			for _, uri := range uris {
				if ctx.Err() != nil {
					return
				}
				msg, err := protocol.NewNotification(protocol.NotificationResourceUpdated, protocol.ResourceUpdatedParams{URI: uri})
				if err != nil {
					logger.Error("encode resource update", slog.Any("error", err))
					continue
				}
				sendCtx, cancel := context.WithTimeout(ctx, r.interval)
				err = d.transport.Send(sendCtx, msg)
				cancel()
				if err != nil {
					r.metrics.ObserveResourceUpdate("send_failed")
					logger.Debug("resource update not delivered", slog.String("uri", uri), slog.Any("error", err))
					continue
				}
				r.metrics.ObserveResourceUpdate("sent")
			}
		}
	}
}

func (r *Registry) detachLocked(sessionID string) *delivery {
	d, ok := r.deliveries[sessionID]
	if !ok {
		return nil
	}
	delete(r.deliveries, sessionID)
	r.reportDeliveriesLocked()
	return d
}

func (r *Registry) unsubscribeLocked(uri, sessionID string) {
	set, ok := r.subscribers[uri]
	if !ok {
		return
	}
	if _, member := set[sessionID]; !member {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.subscribers, uri)
	}
	r.pairs--
	r.reportPairsLocked()
}

func (r *Registry) urisLocked(sessionID string) []string {
	var out []string
	for uri, set := range r.subscribers {
		if _, ok := set[sessionID]; ok {
			out = append(out, uri)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) reportPairsLocked() {
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Set(float64(r.pairs))
	}
}

func (r *Registry) reportDeliveriesLocked() {
	if r.metrics != nil {
		r.metrics.DeliveringSessions.Set(float64(len(r.deliveries)))
	}
}

func stop(d *delivery) {
	if d == nil {
		return
	}
	d.cancel()
	<-d.done
}

func normalize(uri, sessionID string) (string, string, error) {
	uri = strings.TrimSpace(uri)
	sessionID = strings.TrimSpace(sessionID)
	if uri == "" || sessionID == "" {
		return "", "", fmt.Errorf("%w: uri and session id are required", tasks.ErrInvalidInput)
	}
	return uri, sessionID, nil
}
