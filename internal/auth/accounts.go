package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/suPer8Hu/convsync/internal/models"
	"gorm.io/gorm"
)

var (
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrInvalidInput       = errors.New("auth: email and password required")
)

const tokenTTL = 24 * time.Hour

// Session is what register and login hand back. IsNewAccount is true only
// for the call that created the account.
type Session struct {
	UserID       uint64 `json:"id"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	Token        string `json:"token"`
	IsNewAccount bool   `json:"is_new_account"`
}

type Accounts struct {
	db     *gorm.DB
	secret string
}

func NewAccounts(db *gorm.DB, secret string) *Accounts {
	return &Accounts{db: db, secret: secret}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.User{})
}

// generate a 11 digit random username
func randomUsername11() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 11)
	for i := 0; i < 11; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		out[i] = letters[n.Int64()]
	}
	return string(out), nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidInput
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%w: bad email", ErrInvalidInput)
	}
	return email, nil
}

func (a *Accounts) Register(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, ErrInvalidInput
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	// generate username to avoid conflict
	var username string
	for i := 0; i < 5; i++ {
		u, err := randomUsername11()
		if err != nil {
			return nil, err
		}
		var cnt int64
		if err := a.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", u).Count(&cnt).Error; err != nil {
			return nil, fmt.Errorf("check username: %w", err)
		}
		if cnt == 0 {
			username = u
			break
		}
	}
	if username == "" {
		return nil, errors.New("auth: failed to allocate username")
	}

	user := models.User{Email: email, Username: username, PasswordHash: hash}
	if err := a.db.WithContext(ctx).Create(&user).Error; err != nil {
		var cnt int64
		if cerr := a.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&cnt).Error; cerr == nil && cnt > 0 {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return a.session(&user, true)
}

func (a *Accounts) Login(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := a.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !CheckPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return a.session(&user, false)
}

func (a *Accounts) Get(ctx context.Context, id uint64) (*models.User, error) {
	var user models.User
	if err := a.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *Accounts) session(u *models.User, isNew bool) (*Session, error) {
	token, err := SignJWT(u.ID, a.secret, tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{
		UserID:       u.ID,
		Email:        u.Email,
		Username:     u.Username,
		Token:        token,
		IsNewAccount: isNew,
	}, nil
}
