package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport"
)

// RouteSource resolves a route id to its current record.
type RouteSource interface {
	Get(ctx context.Context, id string) (*model.Route, error)
}

// Dialer opens a transport channel for an identity, optionally through a
// route.
type Dialer interface {
	Dial(identity model.Identity, route *model.Route) (transport.Channel, error)
}

// Service owns sender identities and their live channels. Channels are
// dialed lazily and cached by handle; a job's identities are exclusively
// owned by that job while it runs, so the cache never serves two jobs the
// same channel concurrently.
type Service struct {
	repo   repo.IdentityRepository
	routes RouteSource
	dialer Dialer

	mu       sync.Mutex
	channels map[string]transport.Channel
}

func NewService(r repo.IdentityRepository, routes RouteSource, dialer Dialer) *Service {
	return &Service{
		repo:     r,
		routes:   routes,
		dialer:   dialer,
		channels: make(map[string]transport.Channel),
	}
}

func (s *Service) Register(ctx context.Context, handle, credential string, displayName, routeID *string) (*model.Identity, error) {
	if handle == "" || credential == "" {
		return nil, errors.New("identity requires a handle and a credential")
	}

	identity := &model.Identity{
		Handle:      handle,
		DisplayName: displayName,
		Credential:  credential,
		Status:      model.IdentityUnknown,
		CanSend:     true,
		RouteID:     routeID,
	}
	if err := s.repo.Save(ctx, identity); err != nil {
		return nil, err
	}
	slog.Info("identity registered", "handle", handle)
	return identity, nil
}

func (s *Service) Get(ctx context.Context, handle string) (*model.Identity, error) {
	return s.repo.Get(ctx, handle)
}

func (s *Service) List(ctx context.Context) ([]model.Identity, error) {
	return s.repo.List(ctx)
}

func (s *Service) ListByHandles(ctx context.Context, handles []string) ([]model.Identity, error) {
	return s.repo.ListByHandles(ctx, handles)
}

func (s *Service) SetRoute(ctx context.Context, handle string, routeID *string) error {
	identity, err := s.repo.Get(ctx, handle)
	if err != nil {
		return err
	}
	identity.RouteID = routeID
	return s.repo.Save(ctx, identity)
}

func (s *Service) SetCapability(ctx context.Context, handle string, canSend bool) error {
	identity, err := s.repo.Get(ctx, handle)
	if err != nil {
		return err
	}
	identity.CanSend = canSend
	return s.repo.Save(ctx, identity)
}

// Validate probes the identity by dialing a channel and resolving its own
// handle, then maps the outcome onto the lifecycle status.
func (s *Service) Validate(ctx context.Context, handle string) (*model.Identity, error) {
	identity, err := s.repo.Get(ctx, handle)
	if err != nil {
		return nil, err
	}

	ch, err := s.dial(ctx, *identity)
	if err == nil {
		_, err = ch.Resolve(ctx, model.Recipient{
			Identifier: identity.Handle,
			Kind:       model.KindHandle,
			Valid:      true,
		})
		_ = ch.Close()
	}

	switch {
	case err == nil:
		identity.Status = model.IdentityActive
		identity.CanSend = true
	default:
		switch transport.Classify(err) {
		case transport.Throttled:
			// Usable identity, just cooling down.
			identity.Status = model.IdentityRestricted
		case transport.IdentityUnavailable:
			identity.Status = model.IdentityInvalid
			identity.CanSend = false
		default:
			identity.Status = model.IdentityUnknown
		}
	}

	if saveErr := s.repo.Save(ctx, identity); saveErr != nil {
		return nil, saveErr
	}
	slog.Info("identity validated", "handle", handle, "status", identity.Status, "can_send", identity.CanSend)
	return identity, nil
}

// AcquireChannel returns the cached live channel for the identity, dialing
// one if needed.
func (s *Service) AcquireChannel(ctx context.Context, identity model.Identity) (transport.Channel, error) {
	s.mu.Lock()
	if ch, ok := s.channels[identity.Handle]; ok {
		s.mu.Unlock()
		return ch, nil
	}
	s.mu.Unlock()

	ch, err := s.dial(ctx, identity)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.channels[identity.Handle] = ch
	s.mu.Unlock()
	return ch, nil
}

func (s *Service) ReleaseChannel(handle string) {
	s.mu.Lock()
	ch, ok := s.channels[handle]
	delete(s.channels, handle)
	s.mu.Unlock()

	if ok {
		_ = ch.Close()
	}
}

func (s *Service) ReleaseAll() {
	s.mu.Lock()
	channels := s.channels
	s.channels = make(map[string]transport.Channel)
	s.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}

// RecordUsage updates the identity's cumulative counters after a send
// attempt.
func (s *Service) RecordUsage(ctx context.Context, handle string, success bool) error {
	return s.repo.RecordUsage(ctx, handle, success, time.Now().UTC())
}

func (s *Service) dial(ctx context.Context, identity model.Identity) (transport.Channel, error) {
	var route *model.Route
	if identity.RouteID != nil {
		r, err := s.routes.Get(ctx, *identity.RouteID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("looking up route for %s: %w", identity.Handle, err)
		}
		// A missing or deactivated route falls back to direct egress; a
		// dead-but-active route surfaces as identity unavailability when
		// the channel is used.
		if r != nil && r.Active {
			route = r
		}
	}
	return s.dialer.Dial(identity, route)
}
