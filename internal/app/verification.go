/**
 * @description
 * This file implements the phone verification collaborator: issuing one-time
 * codes, storing them hashed with a TTL, and verifying a submitted code into
 * an opaque authenticated-user handle that the orchestrator binds sessions
 * to. Codes live in Redis (hashed, never plaintext) with per-phone attempt
 * limiting.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Backs the code store in production.
 * - golang.org/x/crypto/bcrypt: Hashes codes at rest.
 *
 * @notes
 * - Dev-mode bypass codes are an injected TestBypassPolicy capability; the
 *   verify path itself contains no literal-comparison branch. Production
 *   configuration injects a nil policy.
 */
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrCodeExpired     = errors.New("verification code expired or never issued")
	ErrCodeMismatch    = errors.New("verification code does not match")
	ErrTooManyAttempts = errors.New("too many verification attempts")
)

// CodeStore persists hashed verification codes with a TTL and counts
// verification attempts per phone number.
type CodeStore interface {
	SetCode(ctx context.Context, phone, codeHash string, ttl time.Duration) error
	GetCode(ctx context.Context, phone string) (string, error)
	DeleteCode(ctx context.Context, phone string) error
	IncrAttempts(ctx context.Context, phone string, window time.Duration) (int64, error)
}

// RedisCodeStore is the production CodeStore.
type RedisCodeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCodeStore creates a Redis-backed code store.
func NewRedisCodeStore(client *redis.Client, prefix string) *RedisCodeStore {
	if prefix == "" {
		prefix = "gwen:verification"
	}
	return &RedisCodeStore{client: client, prefix: prefix}
}

func (s *RedisCodeStore) codeKey(phone string) string {
	return fmt.Sprintf("%s:code:%s", s.prefix, phone)
}

func (s *RedisCodeStore) attemptsKey(phone string) string {
	return fmt.Sprintf("%s:attempts:%s", s.prefix, phone)
}

func (s *RedisCodeStore) SetCode(ctx context.Context, phone, codeHash string, ttl time.Duration) error {
	return s.client.Set(ctx, s.codeKey(phone), codeHash, ttl).Err()
}

func (s *RedisCodeStore) GetCode(ctx context.Context, phone string) (string, error) {
	value, err := s.client.Get(ctx, s.codeKey(phone)).Result()
	if err == redis.Nil {
		return "", ErrCodeExpired
	}
	return value, err
}

func (s *RedisCodeStore) DeleteCode(ctx context.Context, phone string) error {
	return s.client.Del(ctx, s.codeKey(phone)).Err()
}

func (s *RedisCodeStore) IncrAttempts(ctx context.Context, phone string, window time.Duration) (int64, error) {
	key := s.attemptsKey(phone)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if expireErr := s.client.Expire(ctx, key, window).Err(); expireErr != nil {
			return count, expireErr
		}
	}
	return count, nil
}

// CodeSender delivers an issued code to a phone number. The SMS transport is
// an external collaborator; the default implementation only logs.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// TestBypassPolicy is an explicitly injected capability that accepts fixed
// codes in non-production configuration. A nil policy bypasses nothing.
type TestBypassPolicy interface {
	Accepts(phone, code string) bool
}

// FixedCodeBypass accepts a single configured code for any phone. Only wired
// in non-production configuration.
type FixedCodeBypass struct {
	Code string
}

func (p *FixedCodeBypass) Accepts(phone, code string) bool {
	return p.Code != "" && code == p.Code
}

// PhoneVerifier issues and verifies one-time codes.
type PhoneVerifier struct {
	store       CodeStore
	sender      CodeSender
	bypass      TestBypassPolicy
	codeTTL     time.Duration
	maxAttempts int64
}

// NewPhoneVerifier creates a verifier. bypass may be nil (production).
func NewPhoneVerifier(store CodeStore, sender CodeSender, bypass TestBypassPolicy, codeTTL time.Duration, maxAttempts int64) *PhoneVerifier {
	if codeTTL <= 0 {
		codeTTL = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PhoneVerifier{
		store:       store,
		sender:      sender,
		bypass:      bypass,
		codeTTL:     codeTTL,
		maxAttempts: maxAttempts,
	}
}

// RequestCode issues a fresh six-digit code for phone and hands it to the
// configured sender.
func (v *PhoneVerifier) RequestCode(ctx context.Context, phone string) error {
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate verification code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash verification code: %w", err)
	}

	if err := v.store.SetCode(ctx, phone, string(hash), v.codeTTL); err != nil {
		return fmt.Errorf("failed to store verification code: %w", err)
	}

	if v.sender != nil {
		if err := v.sender.SendCode(ctx, phone, code); err != nil {
			return fmt.Errorf("failed to deliver verification code: %w", err)
		}
	}
	return nil
}

// VerifyCode checks a submitted code and, on success, returns the opaque
// authenticated-user handle for the phone. The stored code is single-use.
func (v *PhoneVerifier) VerifyCode(ctx context.Context, phone, code string) (string, error) {
	if v.bypass != nil && v.bypass.Accepts(phone, code) {
		return userHandle(phone), nil
	}

	attempts, err := v.store.IncrAttempts(ctx, phone, v.codeTTL)
	if err != nil {
		return "", fmt.Errorf("failed to count verification attempts: %w", err)
	}
	if attempts > v.maxAttempts {
		return "", ErrTooManyAttempts
	}

	storedHash, err := v.store.GetCode(ctx, phone)
	if err != nil {
		return "", err
	}

	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(code)) != nil {
		return "", ErrCodeMismatch
	}

	if err := v.store.DeleteCode(ctx, phone); err != nil {
		return "", fmt.Errorf("failed to consume verification code: %w", err)
	}
	return userHandle(phone), nil
}

// userHandle derives the opaque authenticated-user handle from a verified
// phone number.
func userHandle(phone string) string {
	return "user:" + phone
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// LogCodeSender logs issued codes instead of sending them. Used when no SMS
// provider is configured.
type LogCodeSender struct{}

func (LogCodeSender) SendCode(ctx context.Context, phone, code string) error {
	// The code itself is deliberately not logged.
	log.Printf("level=info component=verification msg=\"verification code issued\" phone=%s", phone)
	return nil
}
