// Package lockstate owns the runtime lock state of protected notebooks. A
// notebook is Locked, Unlocking (challenge issued), Unlocked (key and decrypted
// cache held) or transiently Error. All state lives behind one mutex and no
// transition performs keystore I/O while holding it, so Lock and LockAll are
// always safe to call from a lifecycle callback.
package lockstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/presence"
)

// Registry resolves notebook key aliases.
type Registry interface {
	KeyAliasFor(nb string) (string, bool, error)
}

// Vault is the part of the keystore the machine drives.
type Vault interface {
	ChallengeFor(ctx context.Context, alias string) (*keyvault.AuthChallenge, error)
	Redeem(ctx context.Context, ch *keyvault.AuthChallenge) (*keyvault.KeyHandle, error)
	Revoke(ch *keyvault.AuthChallenge)
}

type session struct {
	key      *keyvault.KeyHandle
	cache    map[string]Draft
	lastUsed time.Time
}

func (s *session) destroy() {
	s.key.Destroy()
	clear(s.cache)
}

type entry struct {
	state     State
	gen       uint64
	challenge *keyvault.AuthChallenge
	session   *session
	lastErr   error
}

// Machine is the lock-state machine. The zero value is not usable; use New.
type Machine struct {
	reg    Registry
	vault  Vault
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	listeners []func(Event)
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a Machine.
func New(reg Registry, vault Vault, opts ...Option) *Machine {
	m := &Machine{
		reg:     reg,
		vault:   vault,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnChange registers fn to receive every event. fn runs outside the machine
// mutex and may call back into the machine.
func (m *Machine) OnChange(fn func(Event)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Machine) publish(evs []Event) {
	if len(evs) == 0 {
		return
	}
	m.mu.Lock()
	ls := append([]func(Event){}, m.listeners...)
	m.mu.Unlock()
	for _, ev := range evs {
		m.logger.Debug("lockstate: transition",
			slog.String("kind", ev.Kind),
			slog.String("notebook", ev.Notebook),
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
			slog.String("reason", ev.Reason))
		for _, fn := range ls {
			fn(ev)
		}
	}
}

func (m *Machine) entryLocked(nb string) *entry {
	e, ok := m.entries[nb]
	if !ok {
		e = &entry{state: Locked}
		m.entries[nb] = e
	}
	return e
}

// moveLocked changes state and returns the event describing it.
func (m *Machine) moveLocked(nb string, e *entry, to State, reason string) Event {
	ev := Event{Kind: KindState, Notebook: nb, From: e.state, To: to, Reason: reason, At: m.now()}
	e.state = to
	return ev
}

// dropLocked destroys the session and pending challenge of e and moves it to
// Locked. The returned challenge must be revoked by the caller.
func (m *Machine) dropLocked(nb string, e *entry, reason string) (*keyvault.AuthChallenge, []Event) {
	e.gen++
	if e.session != nil {
		e.session.destroy()
		e.session = nil
	}
	ch := e.challenge
	e.challenge = nil
	if e.state == Locked {
		return ch, nil
	}
	return ch, []Event{m.moveLocked(nb, e, Locked, reason)}
}

// failLocked records err and runs Unlocking -> Error -> Locked.
func (m *Machine) failLocked(nb string, e *entry, err error) (*keyvault.AuthChallenge, []Event) {
	e.lastErr = err
	evs := []Event{m.moveLocked(nb, e, Error, err.Error())}
	ch, more := m.dropLocked(nb, e, "error")
	return ch, append(evs, more...)
}

func (m *Machine) revoke(ch *keyvault.AuthChallenge) {
	if ch != nil {
		m.vault.Revoke(ch)
	}
}

func (m *Machine) alias(nb string) (string, error) {
	alias, ok, err := m.reg.KeyAliasFor(nb)
	if err != nil {
		return "", fmt.Errorf("lockstate: %q: %w", nb, err)
	}
	if !ok {
		return "", fmt.Errorf("lockstate: %q: %w", nb, apperr.ErrNotProtected)
	}
	return alias, nil
}

// RequestUnlock issues a challenge for nb. It returns a nil challenge when nb
// is already unlocked; a pending challenge is revoked and replaced.
func (m *Machine) RequestUnlock(ctx context.Context, nb string) (*keyvault.AuthChallenge, error) {
	alias, err := m.alias(nb)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	e := m.entryLocked(nb)
	if e.state == Unlocked {
		e.session.lastUsed = m.now()
		m.mu.Unlock()
		return nil, nil
	}
	var evs []Event
	old := e.challenge
	e.challenge = nil
	e.lastErr = nil
	e.gen++
	gen := e.gen
	if e.state != Unlocking {
		evs = append(evs, m.moveLocked(nb, e, Unlocking, "request"))
	}
	m.mu.Unlock()
	m.revoke(old)
	m.publish(evs)

	ch, err := m.vault.ChallengeFor(ctx, alias)

	m.mu.Lock()
	if e.gen != gen {
		m.mu.Unlock()
		if ch != nil {
			m.revoke(ch)
		}
		return nil, fmt.Errorf("lockstate: unlock %q superseded: %w", nb, apperr.ErrInvalidState)
	}
	if err != nil {
		stale, evs := m.failLocked(nb, e, err)
		m.mu.Unlock()
		m.revoke(stale)
		m.publish(evs)
		return nil, fmt.Errorf("lockstate: challenge %q: %w", nb, err)
	}
	e.challenge = ch
	m.mu.Unlock()
	return ch, nil
}

// OnAuthSuccess redeems the pending challenge and opens a fresh session.
func (m *Machine) OnAuthSuccess(ctx context.Context, nb string) error {
	m.mu.Lock()
	e := m.entryLocked(nb)
	if e.state != Unlocking || e.challenge == nil {
		st := e.state
		m.mu.Unlock()
		return fmt.Errorf("lockstate: auth success in state %s: %w", st, apperr.ErrInvalidState)
	}
	ch := e.challenge
	e.challenge = nil
	gen := e.gen
	m.mu.Unlock()

	key, err := m.vault.Redeem(ctx, ch)

	m.mu.Lock()
	if e.gen != gen {
		m.mu.Unlock()
		key.Destroy()
		return fmt.Errorf("lockstate: unlock %q superseded: %w", nb, apperr.ErrInvalidState)
	}
	if err != nil {
		stale, evs := m.failLocked(nb, e, err)
		m.mu.Unlock()
		m.revoke(stale)
		m.publish(evs)
		return fmt.Errorf("lockstate: redeem %q: %w", nb, err)
	}
	e.session = &session{key: key, cache: make(map[string]Draft), lastUsed: m.now()}
	evs := []Event{m.moveLocked(nb, e, Unlocked, "authenticated")}
	m.mu.Unlock()
	m.publish(evs)
	m.logger.Info("lockstate: notebook unlocked", slog.String("notebook", nb))
	return nil
}

// OnAuthFailure resolves a pending unlock as failed.
func (m *Machine) OnAuthFailure(nb string, cause error) error {
	if cause == nil {
		cause = apperr.ErrAuthFailed
	} else if !errors.Is(cause, apperr.ErrAuthFailed) {
		cause = fmt.Errorf("%w: %w", apperr.ErrAuthFailed, cause)
	}
	return m.abort(nb, cause)
}

// OnAuthCancel resolves a pending unlock as cancelled.
func (m *Machine) OnAuthCancel(nb string) error {
	return m.abort(nb, apperr.ErrAuthCancelled)
}

func (m *Machine) abort(nb string, cause error) error {
	m.mu.Lock()
	e := m.entryLocked(nb)
	if e.state != Unlocking {
		st := e.state
		m.mu.Unlock()
		return fmt.Errorf("lockstate: abort in state %s: %w", st, apperr.ErrInvalidState)
	}
	ch, evs := m.failLocked(nb, e, cause)
	m.mu.Unlock()
	m.revoke(ch)
	m.publish(evs)
	return nil
}

// Unlock runs a full unlock: request, a user-presence check by auth, then the
// matching success, failure or cancel transition.
func (m *Machine) Unlock(ctx context.Context, nb string, auth presence.Authenticator) error {
	ch, err := m.RequestUnlock(ctx, nb)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}

	err = auth.Authenticate(ctx, ch)
	switch {
	case err == nil:
		return m.OnAuthSuccess(ctx, nb)
	case errors.Is(err, apperr.ErrAuthCancelled):
		_ = m.OnAuthCancel(nb)
		return fmt.Errorf("lockstate: unlock %q: %w", nb, err)
	case ctx.Err() != nil:
		_ = m.OnAuthCancel(nb)
		return fmt.Errorf("lockstate: unlock %q: %w: %w", nb, apperr.ErrAuthCancelled, ctx.Err())
	default:
		_ = m.OnAuthFailure(nb, err)
		if !errors.Is(err, apperr.ErrAuthFailed) {
			return fmt.Errorf("lockstate: unlock %q: %w: %w", nb, apperr.ErrAuthFailed, err)
		}
		return fmt.Errorf("lockstate: unlock %q: %w", nb, err)
	}
}

// Lock drops nb's session and any pending challenge. It never blocks on I/O.
func (m *Machine) Lock(nb string) {
	m.lockWithReason(nb, "lock")
}

func (m *Machine) lockWithReason(nb, reason string) {
	m.mu.Lock()
	e, ok := m.entries[nb]
	if !ok {
		m.mu.Unlock()
		return
	}
	ch, evs := m.dropLocked(nb, e, reason)
	m.mu.Unlock()
	m.revoke(ch)
	m.publish(evs)
}

// LockAll drops every session.
func (m *Machine) LockAll() {
	m.lockAll("lock_all")
}

func (m *Machine) lockAll(reason string) {
	m.mu.Lock()
	var chs []*keyvault.AuthChallenge
	var evs []Event
	for nb, e := range m.entries {
		ch, more := m.dropLocked(nb, e, reason)
		if ch != nil {
			chs = append(chs, ch)
		}
		evs = append(evs, more...)
	}
	m.mu.Unlock()
	for _, ch := range chs {
		m.revoke(ch)
	}
	m.publish(evs)
}

// Background locks every notebook. Call it when the app loses the foreground.
func (m *Machine) Background() {
	m.lockAll("background")
	m.publish([]Event{{Kind: KindBackground, At: m.now()}})
}

// Foreground only emits an event; notebooks stay locked until unlocked again.
func (m *Machine) Foreground() {
	m.publish([]Event{{Kind: KindForeground, At: m.now()}})
}

// LockIdle locks every session unused for longer than maxIdle and returns the
// notebooks it locked.
func (m *Machine) LockIdle(maxIdle time.Duration) []string {
	cutoff := m.now().Add(-maxIdle)
	m.mu.Lock()
	var locked []string
	var chs []*keyvault.AuthChallenge
	var evs []Event
	for nb, e := range m.entries {
		if e.session == nil || e.session.lastUsed.After(cutoff) {
			continue
		}
		ch, more := m.dropLocked(nb, e, "idle")
		if ch != nil {
			chs = append(chs, ch)
		}
		evs = append(evs, more...)
		locked = append(locked, nb)
	}
	m.mu.Unlock()
	for _, ch := range chs {
		m.revoke(ch)
	}
	m.publish(evs)
	sort.Strings(locked)
	return locked
}

// Idle returns the notebooks whose sessions have been unused for longer than
// maxIdle, without locking them.
func (m *Machine) Idle(maxIdle time.Duration) []string {
	cutoff := m.now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for nb, e := range m.entries {
		if e.session != nil && !e.session.lastUsed.After(cutoff) {
			out = append(out, nb)
		}
	}
	sort.Strings(out)
	return out
}

// Expire locks nb for inactivity.
func (m *Machine) Expire(nb string) {
	m.lockWithReason(nb, "idle")
}

// State returns nb's current state.
func (m *Machine) State(nb string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[nb]; ok {
		return e.state
	}
	return Locked
}

// LastError returns the reason of nb's last failed unlock, if any.
func (m *Machine) LastError(nb string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[nb]; ok {
		return e.lastErr
	}
	return nil
}

// Status returns a snapshot of nb.
func (m *Machine) Status(nb string) (Status, error) {
	_, prot, err := m.reg.KeyAliasFor(nb)
	if err != nil {
		return Status{}, err
	}
	st := Status{Notebook: nb, Protected: prot, State: Locked}
	if !prot {
		st.State = Unlocked
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[nb]; ok && prot {
		st.State = e.state
		if e.session != nil {
			for _, d := range e.session.cache {
				if d.Dirty {
					st.Pending++
				}
			}
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
	}
	return st, nil
}

// Unlocked returns the notebooks that currently hold a session.
func (m *Machine) Unlocked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for nb, e := range m.entries {
		if e.session != nil {
			out = append(out, nb)
		}
	}
	sort.Strings(out)
	return out
}

// IsProtected reports whether nb is protected.
func (m *Machine) IsProtected(nb string) (bool, error) {
	_, ok, err := m.reg.KeyAliasFor(nb)
	return ok, err
}

// KeyFor returns nb's session key. It returns (nil, nil) when nb is not
// protected and ErrAuthenticationRequired when nb has no session.
func (m *Machine) KeyFor(_ context.Context, nb string) (*keyvault.KeyHandle, error) {
	_, prot, err := m.reg.KeyAliasFor(nb)
	if err != nil {
		return nil, fmt.Errorf("lockstate: %q: %w", nb, err)
	}
	if !prot {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(nb)
	if err != nil {
		return nil, err
	}
	return s.key, nil
}

func (m *Machine) sessionLocked(nb string) (*session, error) {
	e, ok := m.entries[nb]
	if !ok || e.state != Unlocked || e.session == nil {
		return nil, fmt.Errorf("lockstate: %q: %w", nb, apperr.ErrAuthenticationRequired)
	}
	e.session.lastUsed = m.now()
	return e.session, nil
}
