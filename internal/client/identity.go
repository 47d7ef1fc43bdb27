package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ephemeral/internal/store"
	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/interfaces"
)

var (
	ErrNoIdentity         = errors.New("no stored identity")
	ErrBootstrapCancelled = errors.New("identity bootstrap cancelled")
)

// setupIdentity establishes the session identity for the
// configured mode and opens its backend.
func (c *Client) setupIdentity(ctx context.Context) error { // A
	switch c.cfg.Mode {
	case identity.ModeGuest:
		return c.setupGuest(ctx)
	case identity.ModeCreate:
		return c.setupCreate(ctx)
	case identity.ModeReuse:
		return c.setupReuse(ctx)
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.cfg.Mode)
	}
}

func (c *Client) setupGuest(ctx context.Context) error { // A
	sessionID := c.cfg.Transport.SessionID()
	name := c.cfg.Name
	if name == "" {
		name = sessionID
	}
	c.self = identity.Guest(name, sessionID)
	c.backend = store.NewEphemeral(c.cfg.Clock, c.cfg.Crypt)
	if err := c.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clear guest store: %w", err)
	}
	c.mode = identity.ModeGuest
	c.log.Debug("guest session", "namespace", "guest::"+sessionID)
	return nil
}

func (c *Client) openBackend() (interfaces.Backend, error) { // A
	if c.cfg.OpenDurable == nil {
		c.log.Warn("no durable store configured, identity will not persist",
			logKeyName, c.cfg.Name,
		)
		return store.NewEphemeral(c.cfg.Clock, c.cfg.Crypt), nil
	}
	b, err := c.cfg.OpenDurable(c.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", c.cfg.Name, err)
	}
	return b, nil
}

// setupCreate generates a fresh key pair. An identity
// already stored under the name is only replaced after the
// user confirms.
func (c *Client) setupCreate(ctx context.Context) error { // A
	backend, err := c.openBackend()
	if err != nil {
		return err
	}

	if _, exists := backend.Identities().Self(); exists {
		cancelled, err := c.cfg.UI.ConfirmDestructive(ctx, c.cfg.Name)
		if err != nil {
			_ = backend.Close()
			return fmt.Errorf("confirm replace identity: %w", err)
		}
		if cancelled {
			_ = backend.Close()
			return ErrBootstrapCancelled
		}
		if err := backend.Clear(ctx); err != nil {
			_ = backend.Close()
			return fmt.Errorf("clear store: %w", err)
		}
	}

	kp, err := c.cfg.Crypt.GenerateKeyPair()
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("generate key pair: %w", err)
	}
	pubJWK, err := c.cfg.Crypt.ExportPublic(kp.Public)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("export public key: %w", err)
	}
	privJWK, err := c.cfg.Crypt.ExportPrivate(kp.Private)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("export private key: %w", err)
	}

	self := identity.Identity{
		Name: c.cfg.Name,
		ID:   c.cfg.Crypt.GlobalID(kp.Public),
	}
	backend.Identities().SetSelf(interfaces.SelfRecord{
		Identity:   self,
		PublicKey:  pubJWK,
		PrivateKey: privJWK,
	})
	if err := backend.Flush(ctx); err != nil {
		_ = backend.Close()
		return fmt.Errorf("save identity: %w", err)
	}

	c.backend = backend
	c.self = self
	c.publicKey = pubJWK
	c.priv = kp.Private
	c.mode = identity.ModeReuse
	c.log.Info("identity created", logKeyName, self.Name, "id", self.ID)
	return nil
}

func (c *Client) setupReuse(ctx context.Context) error { // A
	backend, err := c.openBackend()
	if err != nil {
		return err
	}

	rec, ok := backend.Identities().Self()
	if !ok {
		_ = backend.Close()
		text := fmt.Sprintf(
			"Could not find account for %s. Please create an ID instead",
			c.cfg.Name,
		)
		if aerr := c.cfg.UI.RaiseAlert(ctx, text); aerr != nil {
			c.log.Warn("raise alert", logKeyError, aerr.Error())
		}
		return fmt.Errorf("%w for %s", ErrNoIdentity, c.cfg.Name)
	}

	priv, err := c.cfg.Crypt.ImportPrivate(rec.PrivateKey)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("import private key: %w", err)
	}

	c.backend = backend
	c.self = rec.Identity
	c.publicKey = rec.PublicKey
	c.priv = priv
	c.mode = identity.ModeReuse
	return nil
}
