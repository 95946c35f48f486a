package services

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
	apperrors "duet/pkg/errors"
	"duet/pkg/utils"
	"duet/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

const (
	saltSize      = 16
	argonTime     = 1
	argonMemory   = 64 * 1024
	argonThreads  = 4
	argonKeyBytes = 32
)

// Claims carried by a bearer token. There is no exp claim:
// tokens expire through inactivity or revocation, tracked server side.
type Claims struct {
	Username string      `json:"username"`
	Role     domain.Role `json:"role"`
	jwt.RegisteredClaims
}

type session struct {
	username string
	role     domain.Role
	issuedAt time.Time
	lastSeen time.Time
}

type authService struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	sessions map[string]*session

	saveMu sync.Mutex
	store  ports.UserStore

	jwtSecret   []byte
	idleTimeout time.Duration
	logger      *zap.SugaredLogger
	now         func() time.Time
}

// NewAuthService loads registered users from store and returns the token
// authority. idleTimeout <= 0 disables inactivity expiry on Authenticate;
// the periodic sweep still applies its own threshold.
func NewAuthService(
	ctx context.Context,
	jwtSecret string,
	idleTimeout time.Duration,
	store ports.UserStore,
	logger *zap.SugaredLogger,
) (ports.AuthService, error) {
	return newAuthService(ctx, jwtSecret, idleTimeout, store, logger)
}

func newAuthService(
	ctx context.Context,
	jwtSecret string,
	idleTimeout time.Duration,
	store ports.UserStore,
	logger *zap.SugaredLogger,
) (*authService, error) {
	users, err := store.LoadUsers(ctx)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load users", 500)
	}
	if users == nil {
		users = make(map[string]domain.User)
	}
	logger.Infow("auth service initialized", "users", len(users))

	return &authService{
		users:       users,
		sessions:    make(map[string]*session),
		store:       store,
		jwtSecret:   []byte(jwtSecret),
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func hashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyBytes)
}

func (s *authService) Register(ctx context.Context, username, password string, role domain.Role) (*domain.User, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if role == "" {
		role = domain.RoleExplorer
	}
	if !role.Valid() {
		return nil, apperrors.WrapError(domain.ErrInvalidRole, apperrors.ErrCodeValidation, "invalid role", 400)
	}

	salt, err := utils.GenerateSalt(saltSize)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to generate salt", 500)
	}
	user := domain.User{
		Username:     username,
		PasswordHash: hashPassword(password, salt),
		Salt:         salt,
		Role:         role,
		CreatedAt:    s.now(),
	}

	s.mu.Lock()
	if _, exists := s.users[username]; exists {
		s.mu.Unlock()
		return nil, apperrors.WrapError(domain.ErrUserExists, apperrors.ErrCodeConflict, "username already exists", 409)
	}
	s.users[username] = user
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		delete(s.users, username)
		s.mu.Unlock()
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to save user", 500)
	}

	s.logger.Infow("user registered", "username", username, "role", role)
	return &user, nil
}

func (s *authService) Login(ctx context.Context, username, password string) (string, error) {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		// Burn the same hashing cost so unknown usernames are not observable by timing.
		hashPassword(password, make([]byte, saltSize))
		return "", apperrors.WrapError(domain.ErrInvalidCredentials, apperrors.ErrCodeAuthentication, "invalid username or password", 401)
	}
	if subtle.ConstantTimeCompare(hashPassword(password, user.Salt), user.PasswordHash) != 1 {
		return "", apperrors.WrapError(domain.ErrInvalidCredentials, apperrors.ErrCodeAuthentication, "invalid username or password", 401)
	}

	now := s.now()
	jti := utils.GenerateTokenID()
	claims := &Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       jti,
			Subject:  user.Username,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to sign token", 500)
	}

	s.mu.Lock()
	s.sessions[jti] = &session{username: user.Username, role: user.Role, issuedAt: now, lastSeen: now}
	s.mu.Unlock()

	s.logger.Infow("user logged in", "username", username)
	return token, nil
}

func (s *authService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, domain.ErrInvalidToken
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.ID != "" {
		return claims, nil
	}
	return nil, domain.ErrInvalidToken
}

func (s *authService) Authenticate(tokenString string) (*domain.Identity, error) {
	unauthenticated := apperrors.WrapError(domain.ErrInvalidToken, apperrors.ErrCodeAuthentication, "invalid or expired token", 401)
	if tokenString == "" {
		return nil, unauthenticated
	}
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, unauthenticated
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[claims.ID]
	if !ok {
		return nil, unauthenticated
	}
	if s.idleTimeout > 0 && now.Sub(sess.lastSeen) > s.idleTimeout {
		delete(s.sessions, claims.ID)
		return nil, unauthenticated
	}
	sess.lastSeen = now

	return &domain.Identity{Username: sess.username, Role: sess.role, TokenID: claims.ID}, nil
}

func (s *authService) RevokeToken(tokenString string) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.sessions, claims.ID)
	s.mu.Unlock()
}

func (s *authService) CleanupExpiredTokens(maxIdle time.Duration) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for jti, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > maxIdle {
			delete(s.sessions, jti)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Infow("expired tokens removed", "count", removed, "remaining", len(s.sessions))
	}
	return removed
}

func (s *authService) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// persist writes the full user snapshot. Saves are serialized so an older
// snapshot can never overwrite a newer one.
func (s *authService) persist(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	snapshot := make(map[string]domain.User, len(s.users))
	for k, v := range s.users {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	if err := s.store.SaveUsers(ctx, snapshot); err != nil {
		s.logger.Errorw("failed to persist users", "error", err)
		return err
	}
	return nil
}
