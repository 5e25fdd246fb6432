package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/tkv"
	"github.com/InsulaLabs/ringfs/wire"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionPrefix = "session:"

// CreateAccount registers username with its own root directory. Only the
// bcrypt hash of secret is stored or gossiped.
func (s *Service) CreateAccount(ctx context.Context, username, secret string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if username == "" || strings.Contains(username, "/") {
		return ErrInvalidName
	}
	if secret == "" {
		return ErrBadCredentials
	}

	_, err := s.store.GetAccount(username)
	if err == nil {
		return ErrAccountExists
	}
	if !errors.Is(err, meta.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing secret: %w", err)
	}
	rootID, err := s.store.NextID(meta.SeqDirectory)
	if err != nil {
		return err
	}

	if err := s.commit(ctx, wire.AccountCreated{
		Username:  username,
		Secret:    string(hash),
		RootDirID: rootID,
	}); err != nil {
		return err
	}
	s.logger.Info("account created", "username", username, "root", rootID)
	return nil
}

// Login checks the credentials and opens a session.
func (s *Service) Login(username, secret string) (string, error) {
	acct, err := s.store.GetAccount(username)
	if errors.Is(err, meta.ErrNotFound) {
		return "", ErrBadCredentials
	}
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.Secret), []byte(secret)) != nil {
		return "", ErrBadCredentials
	}

	token := uuid.New().String()
	if err := s.kv.CacheSet(sessionPrefix+token, username, s.sessionTTL); err != nil {
		return "", fmt.Errorf("storing session: %w", err)
	}
	return token, nil
}

// Authenticate resolves a session token to its username.
func (s *Service) Authenticate(token string) (string, error) {
	username, err := s.kv.CacheGet(sessionPrefix + token)
	if err != nil {
		var notFound *tkv.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return "", ErrSessionInvalid
		}
		return "", err
	}
	return username, nil
}

func (s *Service) Logout(token string) error {
	return s.kv.CacheDelete(sessionPrefix + token)
}
