package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/postboard/posts"
)

// =============================================================================
// ACCOUNTS - signup, login, logout
// =============================================================================

// Accounts owns user registration and token issuance.
type Accounts struct {
	Users    posts.UserStore
	IDs      posts.IDGenerator
	Tokens   *JWTManager
	Sessions Sessions // optional
	Logger   *zap.SugaredLogger

	// AdminEmail, when set, makes the account registered with it an admin.
	AdminEmail string

	Now func() time.Time

	validate *validator.Validate
}

func NewAccounts(users posts.UserStore, ids posts.IDGenerator, tokens *JWTManager, sessions Sessions, logger *zap.SugaredLogger) *Accounts {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Accounts{
		Users:    users,
		IDs:      ids,
		Tokens:   tokens,
		Sessions: sessions,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
		validate: validator.New(),
	}
}

type signupInput struct {
	Nickname string `validate:"required,min=2"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6,max=72"`
}

// Signup registers a user and returns a token for the new session.
func (a *Accounts) Signup(ctx context.Context, nickname, email, password string) (string, error) {
	in := signupInput{
		Nickname: strings.TrimSpace(nickname),
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Password: password,
	}
	if err := a.validator().Struct(in); err != nil {
		return "", validationError(err)
	}

	existing, err := a.Users.GetUserByEmail(ctx, in.Email)
	if err != nil {
		return "", fmt.Errorf("lookup email: %w", err)
	}
	if existing != nil {
		return "", fmt.Errorf("email %q already registered: %w", in.Email, posts.ErrConflict)
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return "", err
	}

	role := posts.RoleNormal
	if a.AdminEmail != "" && strings.EqualFold(a.AdminEmail, in.Email) {
		role = posts.RoleAdmin
	}

	now := a.Now()
	user := &posts.User{
		ID:           posts.UserID(a.IDs.NewID()),
		Nickname:     in.Nickname,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.Users.PutUser(ctx, user); err != nil {
		return "", err
	}

	a.Logger.Infow("user signed up", "user_id", user.ID, "role", user.Role)
	return a.startSession(ctx, user.Identity())
}

// Login checks credentials. Unknown email and wrong password give the same
// error.
func (a *Accounts) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", &posts.ValidationError{Field: "email", Message: "is required"}
	}
	if password == "" {
		return "", &posts.ValidationError{Field: "password", Message: "is required"}
	}

	user, err := a.Users.GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("lookup email: %w", err)
	}
	if user == nil {
		return "", errBadCredentials
	}
	ok, err := CheckPassword(user.PasswordHash, password)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errBadCredentials
	}

	a.Logger.Infow("user logged in", "user_id", user.ID)
	return a.startSession(ctx, user.Identity())
}

// Logout revokes the session behind credential. Without a session store
// it only verifies the token.
func (a *Accounts) Logout(ctx context.Context, credential string) error {
	resolver := &TokenResolver{Tokens: a.Tokens, Sessions: a.Sessions}
	claims, err := resolver.claims(ctx, credential)
	if err != nil {
		return err
	}
	if a.Sessions == nil {
		return nil
	}
	if err := a.Sessions.Revoke(ctx, claims.SessionID()); err != nil {
		return err
	}
	a.Logger.Infow("user logged out", "user_id", claims.Subject)
	return nil
}

func (a *Accounts) startSession(ctx context.Context, id posts.Identity) (string, error) {
	sessionID := a.IDs.NewID()
	if a.Sessions != nil {
		if err := a.Sessions.Create(ctx, sessionID, id.ID, a.Tokens.TTL()); err != nil {
			return "", err
		}
	}
	return a.Tokens.Issue(id, sessionID)
}

func (a *Accounts) validator() *validator.Validate {
	if a.validate == nil {
		a.validate = validator.New()
	}
	return a.validate
}

var errBadCredentials = fmt.Errorf("email or password is incorrect: %w", posts.ErrUnauthenticated)

// validationError converts the first validator failure into a
// posts.ValidationError.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return &posts.ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "min":
		msg = fmt.Sprintf("must have at least %s characters", fe.Param())
	case "max":
		msg = fmt.Sprintf("must have at most %s characters", fe.Param())
	case "email":
		msg = "must be a valid email"
	default:
		msg = fmt.Sprintf("failed %s validation", fe.Tag())
	}
	return &posts.ValidationError{Field: field, Message: msg}
}
