package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/store"
	"github.com/vovakirdan/wirechat-companion/internal/upstream"
)

// Gate rejection reasons.
const (
	ReasonMissingCredential   = "missing_credential"
	ReasonInvalidCredential   = "invalid_credential"
	ReasonExpiredCredential   = "expired_credential"
	ReasonIdentityUnavailable = "identity_unavailable"
)

// GateError is a typed connection rejection. It never carries the credential.
type GateError struct {
	Reason string
	Err    error
}

func (e *GateError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *GateError) Unwrap() error { return e.Err }

// HTTPStatus maps the reason to the status used when refusing an upgrade.
func (e *GateError) HTTPStatus() int {
	if e.Reason == ReasonIdentityUnavailable {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Summary is the human-readable text shown to clients.
func (e *GateError) Summary() string {
	switch e.Reason {
	case ReasonMissingCredential:
		return "authentication required"
	case ReasonExpiredCredential:
		return "credential expired"
	case ReasonIdentityUnavailable:
		return "account unavailable"
	default:
		return "invalid credential"
	}
}

// Identity is the verified caller attached to a connection.
type Identity struct {
	UserID      string
	DisplayName string
	Credential  string
}

// MarshalZerologObject logs the identity without its credential.
func (i Identity) MarshalZerologObject(e *zerolog.Event) {
	e.Str("user_id", i.UserID).Str("username", i.DisplayName)
}

// IdentityService resolves the account behind a credential.
type IdentityService interface {
	CurrentUser(ctx context.Context, token string) (*upstream.User, error)
}

// SessionWriter persists the advisory session record.
type SessionWriter interface {
	SaveSession(ctx context.Context, rec store.SessionRecord) error
}

// Attempt describes one inbound connection.
type Attempt struct {
	Credential   string
	ConnectionID string
	RemoteAddr   string
	UserAgent    string
}

// Gate authenticates connections before any event is processed.
type Gate struct {
	jwt      *JWTConfig
	identity IdentityService
	sessions SessionWriter
	log      zerolog.Logger
}

// NewGate builds a Gate. sessions may be nil.
func NewGate(jwtConfig *JWTConfig, identity IdentityService, sessions SessionWriter, logger *zerolog.Logger) *Gate {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "gate").Logger()
	}
	return &Gate{jwt: jwtConfig, identity: identity, sessions: sessions, log: l}
}

// Verify runs the credential and identity checks without recording a session.
// Exactly one identity-service call is made when the token itself is valid.
func (g *Gate) Verify(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, g.reject(&GateError{Reason: ReasonMissingCredential})
	}

	claims, err := ValidateToken(g.jwt, credential)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, g.reject(&GateError{Reason: ReasonExpiredCredential, Err: ErrTokenExpired})
		}
		return nil, g.reject(&GateError{Reason: ReasonInvalidCredential, Err: err})
	}

	subject := claims.SubjectID()
	if subject == "" {
		return nil, g.reject(&GateError{Reason: ReasonInvalidCredential, Err: errors.New("token has no subject")})
	}

	user, err := g.identity.CurrentUser(ctx, credential)
	if err != nil {
		return nil, g.reject(&GateError{Reason: ReasonIdentityUnavailable, Err: err})
	}
	if !user.Active() {
		return nil, g.reject(&GateError{Reason: ReasonIdentityUnavailable, Err: errors.New("account inactive")})
	}

	userID := user.ID.String()
	if userID == "" {
		userID = subject
	}

	name := user.Username
	if name == "" {
		name = claims.Username
	}

	return &Identity{UserID: userID, DisplayName: name, Credential: credential}, nil
}

// Authenticate verifies the attempt and records a session for it. A failed
// session write is logged and does not reject the connection.
func (g *Gate) Authenticate(ctx context.Context, attempt Attempt) (*Identity, error) {
	identity, err := g.Verify(ctx, attempt.Credential)
	if err != nil {
		return nil, err
	}

	if g.sessions != nil {
		rec := store.SessionRecord{
			UserID:       identity.UserID,
			Username:     identity.DisplayName,
			ConnectionID: attempt.ConnectionID,
			RemoteAddr:   attempt.RemoteAddr,
			UserAgent:    attempt.UserAgent,
			ConnectedAt:  time.Now().UTC(),
		}
		if err := g.sessions.SaveSession(ctx, rec); err != nil {
			g.log.Warn().Err(err).Object("identity", identity).Msg("failed to persist session")
		}
	}

	g.log.Debug().Object("identity", identity).Str("connection_id", attempt.ConnectionID).Msg("connection authenticated")
	return identity, nil
}

func (g *Gate) reject(err *GateError) error {
	g.log.Debug().Str("reason", err.Reason).AnErr("cause", err.Err).Msg("connection rejected")
	return err
}

// CredentialFromRequest extracts the bearer credential from the explicit
// token query field, falling back to the Authorization header.
func CredentialFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken returns the token of a "Bearer <token>" header value.
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
