//go:generate go run go.uber.org/mock/mockgen -source=service.go -destination=mocks/mock_service.go -package=mocks
package service

import (
	"context"
	"errors"

	"github.com/adwski/roomchat/backend/model"
	"github.com/adwski/roomchat/backend/storage"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput       = errors.New("invalid username or password format")
	ErrUserExists         = errors.New("username is already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrRegister           = errors.New("unable to register")
	ErrLogin              = errors.New("unable to login")
)

type (
	UserStore interface {
		CreateUser(ctx context.Context, username, passwordHash string) error
		GetUser(ctx context.Context, username string) (*model.User, error)
	}

	TokenIssuer interface {
		Issue(username string) (string, error)
		Parse(token string) (string, error)
	}

	// Service manages user accounts and resolves tokens into identity labels.
	Service struct {
		store     UserStore
		tokens    TokenIssuer
		validate  *validator.Validate
		cost      int
		dummyHash []byte
		logger    zerolog.Logger
	}

	Config struct {
		UserStore UserStore
		Tokens    TokenIssuer
		Logger    *zerolog.Logger

		// BcryptCost defaults to bcrypt.DefaultCost.
		BcryptCost int
	}

	credentials struct {
		Username string `validate:"required,min=3,max=150,printascii"`
		Password string `validate:"required,min=8,max=72"`
	}
)

func NewService(cfg Config) (*Service, error) {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// compared against on unknown usernames so login takes the same time either way
	dummy, err := bcrypt.GenerateFromPassword([]byte("dummy-password"), cost)
	if err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Service{
		store:     cfg.UserStore,
		tokens:    cfg.Tokens,
		validate:  validator.New(),
		cost:      cost,
		dummyHash: dummy,
		logger:    logger.With().Str("component", "accounts").Logger(),
	}, nil
}

func (svc *Service) Register(ctx context.Context, username, password string) error {
	if err := svc.validate.Struct(credentials{Username: username, Password: password}); err != nil {
		return errors.Join(ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), svc.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return errors.Join(ErrInvalidInput, err)
		}
		return errors.Join(ErrRegister, err)
	}

	if err = svc.store.CreateUser(ctx, username, string(hash)); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return ErrUserExists
		}
		return errors.Join(ErrRegister, err)
	}
	svc.logger.Debug().
		Str("username", username).
		Msg("user registered")
	return nil
}

// Login checks credentials and returns a signed token.
func (svc *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := svc.store.GetUser(ctx, username)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			return "", errors.Join(ErrLogin, err)
		}
		_ = bcrypt.CompareHashAndPassword(svc.dummyHash, []byte(password))
		return "", ErrInvalidCredentials
	}
	if err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := svc.tokens.Issue(user.Username)
	if err != nil {
		return "", errors.Join(ErrLogin, err)
	}
	svc.logger.Debug().
		Str("username", username).
		Msg("user logged in")
	return token, nil
}

// Identify returns username the token was issued for.
func (svc *Service) Identify(token string) (string, error) {
	username, err := svc.tokens.Parse(token)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	return username, nil
}
