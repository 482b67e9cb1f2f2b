package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPasswordTooShort    = NewError(KindValidation, "password is too short")
	ErrPasswordTooLong     = NewError(KindValidation, "password is too long")
	ErrPasswordNoUppercase = NewError(KindValidation, "password must contain an uppercase letter")
	ErrPasswordNoLowercase = NewError(KindValidation, "password must contain a lowercase letter")
	ErrPasswordNoDigit     = NewError(KindValidation, "password must contain a digit")
	ErrPasswordNoSpecial   = NewError(KindValidation, "password must contain a special character")
	ErrPasswordCommon      = NewError(KindValidation, "password is too common")

	// ErrPasswordInvalidHash marks a stored digest this package cannot parse.
	ErrPasswordInvalidHash = errors.New("auth: invalid password hash")
)

const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

const (
	DefaultBcryptCost    = 10
	DefaultArgon2Time    = 3
	DefaultArgon2Memory  = 64 * 1024 // 64 MB
	DefaultArgon2Threads = 4
	DefaultArgon2KeyLen  = 32
	DefaultSaltLength    = 16
	MinPasswordLength    = 8
	// MaxPasswordLength is bcrypt's input limit in bytes.
	MaxPasswordLength    = 72
	RecommendedMinLength = 12
)

// PasswordPolicy configures password strength requirements. It is applied
// by the flows that accept a new password, never by the hashers.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool
	CheckCommon      bool
}

// DefaultPasswordPolicy enforces length only.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength: MinPasswordLength,
		MaxLength: MaxPasswordLength,
	}
}

// StrictPasswordPolicy returns strict validation for high-security environments.
func StrictPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        RecommendedMinLength,
		MaxLength:        MaxPasswordLength,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSpecial:   true,
		CheckCommon:      true,
	}
}

// ValidatePassword checks password against the policy. Lengths are counted
// in runes for the minimum and in bytes for the maximum.
func ValidatePassword(password []byte, policy PasswordPolicy) error {
	minLen := policy.MinLength
	if minLen <= 0 {
		minLen = MinPasswordLength
	}
	maxLen := policy.MaxLength
	if maxLen <= 0 || maxLen > MaxPasswordLength {
		maxLen = MaxPasswordLength
	}

	s := string(password)
	if len([]rune(s)) < minLen {
		return ErrPasswordTooShort
	}
	if len(password) > maxLen {
		return ErrPasswordTooLong
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if policy.RequireUppercase && !hasUpper {
		return ErrPasswordNoUppercase
	}
	if policy.RequireLowercase && !hasLower {
		return ErrPasswordNoLowercase
	}
	if policy.RequireDigit && !hasDigit {
		return ErrPasswordNoDigit
	}
	if policy.RequireSpecial && !hasSpecial {
		return ErrPasswordNoSpecial
	}
	if policy.CheckCommon && isCommonPassword(s) {
		return ErrPasswordCommon
	}
	return nil
}

// BcryptHasher implements PasswordHasher using bcrypt.
type BcryptHasher struct {
	cost   int
	pepper []byte
}

// BcryptHasherOption configures BcryptHasher.
type BcryptHasherOption func(*BcryptHasher)

// WithBcryptCost sets the bcrypt cost factor.
func WithBcryptCost(cost int) BcryptHasherOption {
	return func(h *BcryptHasher) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			h.cost = cost
		}
	}
}

// WithBcryptPepper sets a server-side secret that is combined with passwords.
func WithBcryptPepper(pepper []byte) BcryptHasherOption {
	return func(h *BcryptHasher) {
		h.pepper = append([]byte(nil), pepper...)
	}
}

// NewBcryptHasher creates a new bcrypt-based password hasher.
func NewBcryptHasher(opts ...BcryptHasherOption) *BcryptHasher {
	h := &BcryptHasher{cost: DefaultBcryptCost}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Hash returns a salted bcrypt digest. Two calls on the same input differ.
func (h *BcryptHasher) Hash(ctx context.Context, plain []byte) (string, error) {
	if err := contextError(ctx); err != nil {
		return "", err
	}

	combined := combineWithPepper(plain, h.pepper)
	defer clearBytes(combined)

	hashed, err := bcrypt.GenerateFromPassword(combined, h.cost)
	if err != nil {
		return "", WrapError(KindHashing, "failed to hash password", err)
	}
	return string(hashed), nil
}

// Verify reports whether plain matches digest. A mismatch is (false, nil).
func (h *BcryptHasher) Verify(ctx context.Context, plain []byte, digest string) (bool, error) {
	if err := contextError(ctx); err != nil {
		return false, err
	}
	if digest == "" {
		return false, WrapError(KindHashing, "failed to verify password", ErrPasswordInvalidHash)
	}

	combined := combineWithPepper(plain, h.pepper)
	defer clearBytes(combined)

	err := bcrypt.CompareHashAndPassword([]byte(digest), combined)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	case errors.Is(err, bcrypt.ErrPasswordTooLong):
		return false, nil
	default:
		return false, WrapError(KindHashing, "failed to verify password", fmt.Errorf("%w: %v", ErrPasswordInvalidHash, err))
	}
}

// NeedsRehash reports whether digest was produced with a lower cost than the
// hasher is configured for, or by a different algorithm.
func (h *BcryptHasher) NeedsRehash(digest string) bool {
	cost, err := bcrypt.Cost([]byte(digest))
	if err != nil {
		return true
	}
	return cost < h.cost
}

// Argon2idHasher implements PasswordHasher using Argon2id with PHC-encoded
// digests.
type Argon2idHasher struct {
	time       uint32
	memory     uint32
	threads    uint8
	keyLen     uint32
	saltLength int
	pepper     []byte
}

// Argon2idHasherOption configures Argon2idHasher.
type Argon2idHasherOption func(*Argon2idHasher)

// WithArgon2Time sets the time parameter (iterations).
func WithArgon2Time(t uint32) Argon2idHasherOption {
	return func(h *Argon2idHasher) {
		if t > 0 {
			h.time = t
		}
	}
}

// WithArgon2Memory sets the memory parameter in KB.
func WithArgon2Memory(m uint32) Argon2idHasherOption {
	return func(h *Argon2idHasher) {
		if m > 0 {
			h.memory = m
		}
	}
}

// WithArgon2Threads sets the parallelism parameter.
func WithArgon2Threads(t uint8) Argon2idHasherOption {
	return func(h *Argon2idHasher) {
		if t > 0 {
			h.threads = t
		}
	}
}

// WithArgon2KeyLen sets the output key length.
func WithArgon2KeyLen(l uint32) Argon2idHasherOption {
	return func(h *Argon2idHasher) {
		if l > 0 {
			h.keyLen = l
		}
	}
}

// WithArgon2Pepper sets a server-side secret.
func WithArgon2Pepper(pepper []byte) Argon2idHasherOption {
	return func(h *Argon2idHasher) {
		h.pepper = append([]byte(nil), pepper...)
	}
}

// NewArgon2idHasher creates a new Argon2id-based password hasher.
func NewArgon2idHasher(opts ...Argon2idHasherOption) *Argon2idHasher {
	h := &Argon2idHasher{
		time:       DefaultArgon2Time,
		memory:     DefaultArgon2Memory,
		threads:    DefaultArgon2Threads,
		keyLen:     DefaultArgon2KeyLen,
		saltLength: DefaultSaltLength,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Argon2idHasher) Hash(ctx context.Context, plain []byte) (string, error) {
	if err := contextError(ctx); err != nil {
		return "", err
	}

	salt := make([]byte, h.saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", WrapError(KindHashing, "failed to hash password", err)
	}

	combined := combineWithPepper(plain, h.pepper)
	defer clearBytes(combined)

	key := argon2.IDKey(combined, salt, h.time, h.memory, h.threads, h.keyLen)
	return h.encodeHash(salt, key), nil
}

func (h *Argon2idHasher) Verify(ctx context.Context, plain []byte, digest string) (bool, error) {
	if err := contextError(ctx); err != nil {
		return false, err
	}

	params, salt, stored, err := decodeArgon2Hash(digest)
	if err != nil {
		return false, WrapError(KindHashing, "failed to verify password", err)
	}

	combined := combineWithPepper(plain, h.pepper)
	defer clearBytes(combined)

	computed := argon2.IDKey(combined, salt, params.time, params.memory, params.threads, params.keyLen)
	return subtle.ConstantTimeCompare(computed, stored) == 1, nil
}

// NeedsRehash returns true if the digest was produced with weaker parameters.
func (h *Argon2idHasher) NeedsRehash(digest string) bool {
	params, _, _, err := decodeArgon2Hash(digest)
	if err != nil {
		return true
	}
	return params.time < h.time || params.memory < h.memory || params.threads < h.threads
}

// DigestAlgorithm names the scheme that produced digest, or "" when the
// prefix is not recognised.
func DigestAlgorithm(digest string) string {
	switch {
	case strings.HasPrefix(digest, "$"+AlgorithmArgon2id+"$"):
		return AlgorithmArgon2id
	case strings.HasPrefix(digest, "$2a$"), strings.HasPrefix(digest, "$2b$"), strings.HasPrefix(digest, "$2y$"):
		return AlgorithmBcrypt
	}
	return ""
}

type rehasher interface {
	PasswordHasher
	NeedsRehash(digest string) bool
}

// MigratingHasher hashes with a primary algorithm and verifies digests of
// either algorithm by prefix. Digests not produced by the primary report
// NeedsRehash, so accounts move to the primary on their next login.
type MigratingHasher struct {
	primary string
	hashers map[string]rehasher
}

// NewMigratingHasher builds a hasher whose new digests use primary. Nil
// hashers fall back to their defaults.
func NewMigratingHasher(primary string, bcryptHasher *BcryptHasher, argon2Hasher *Argon2idHasher) (*MigratingHasher, error) {
	if bcryptHasher == nil {
		bcryptHasher = NewBcryptHasher()
	}
	if argon2Hasher == nil {
		argon2Hasher = NewArgon2idHasher()
	}
	h := &MigratingHasher{
		primary: primary,
		hashers: map[string]rehasher{
			AlgorithmBcrypt:   bcryptHasher,
			AlgorithmArgon2id: argon2Hasher,
		},
	}
	if _, ok := h.hashers[primary]; !ok {
		return nil, fmt.Errorf("auth: unknown password hasher %q", primary)
	}
	return h, nil
}

// Primary names the algorithm used for new digests.
func (h *MigratingHasher) Primary() string { return h.primary }

func (h *MigratingHasher) Hash(ctx context.Context, plain []byte) (string, error) {
	return h.hashers[h.primary].Hash(ctx, plain)
}

func (h *MigratingHasher) Verify(ctx context.Context, plain []byte, digest string) (bool, error) {
	hasher, ok := h.hashers[DigestAlgorithm(digest)]
	if !ok {
		if err := contextError(ctx); err != nil {
			return false, err
		}
		return false, WrapError(KindHashing, "failed to verify password", ErrPasswordInvalidHash)
	}
	return hasher.Verify(ctx, plain, digest)
}

func (h *MigratingHasher) NeedsRehash(digest string) bool {
	alg := DigestAlgorithm(digest)
	if alg != h.primary {
		return true
	}
	return h.hashers[alg].NeedsRehash(digest)
}

// maxArgon2Memory caps the memory cost accepted from a stored digest, in KiB.
const maxArgon2Memory = 4 * 1024 * 1024

type argon2Params struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

func (h *Argon2idHasher) encodeHash(salt, key []byte) string {
	// $argon2id$v=19$m=MEMORY,t=TIME,p=THREADS$SALT$HASH
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

func decodeArgon2Hash(encoded string) (argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != AlgorithmArgon2id {
		return argon2Params{}, nil, nil, ErrPasswordInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return argon2Params{}, nil, nil, ErrPasswordInvalidHash
	}

	var params argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil {
		return argon2Params{}, nil, nil, ErrPasswordInvalidHash
	}

	// argon2.IDKey panics on zero time or threads.
	if params.time == 0 || params.threads == 0 ||
		params.memory < 8*uint32(params.threads) || params.memory > maxArgon2Memory {
		return argon2Params{}, nil, nil, ErrPasswordInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return argon2Params{}, nil, nil, ErrPasswordInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return argon2Params{}, nil, nil, ErrPasswordInvalidHash
	}
	params.keyLen = uint32(len(key))

	return params, salt, key, nil
}

func combineWithPepper(plain, pepper []byte) []byte {
	if len(pepper) == 0 {
		return append([]byte(nil), plain...)
	}
	combined := make([]byte, len(plain)+len(pepper))
	copy(combined, plain)
	copy(combined[len(plain):], pepper)
	return combined
}

// clearBytes zeros a byte slice.
func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var commonPasswords = map[string]struct{}{
	"123456":      {},
	"password":    {},
	"12345678":    {},
	"qwerty":      {},
	"123456789":   {},
	"1234567":     {},
	"dragon":      {},
	"baseball":    {},
	"abc123":      {},
	"football":    {},
	"monkey":      {},
	"letmein":     {},
	"shadow":      {},
	"master":      {},
	"qwertyuiop":  {},
	"1234567890":  {},
	"superman":    {},
	"1qaz2wsx":    {},
	"trustno1":    {},
	"sunshine":    {},
	"iloveyou":    {},
	"starwars":    {},
	"computer":    {},
	"freedom":     {},
	"princess":    {},
	"password1":   {},
	"password123": {},
	"passw0rd":    {},
	"p@ssw0rd":    {},
	"p@ssword1":   {},
	"password1!":  {},
	"passw0rd!":   {},
	"changeme":    {},
	"qwerty123":   {},
	"welcome1":    {},
	"welcome123":  {},
	"letmein123":  {},
	"abc123456":   {},
	"admin123":    {},
	"1q2w3e4r5t":  {},
	"q1w2e3r4t5":  {},
	"qweasdzxc":   {},
	"asdfghjkl":   {},
	"zxcvbnm123":  {},
	"abcd1234":    {},
}

func isCommonPassword(password string) bool {
	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		return true
	}
	return isSequentialPattern(password) || isRepeatingPattern(password)
}

// isSequentialPattern checks for runs like "123456" or "fedcba".
func isSequentialPattern(s string) bool {
	runes := []rune(s)
	if len(runes) < 4 {
		return false
	}
	ascending, descending := true, true
	for i := 1; i < len(runes); i++ {
		diff := int(runes[i]) - int(runes[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	return ascending || descending
}

func isRepeatingPattern(s string) bool {
	if len(s) < 4 {
		return false
	}
	return strings.Count(s, s[:1]) == len(s)
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail validates an email address format.
func ValidateEmail(email string) bool {
	email = strings.TrimSpace(email)
	if len(email) == 0 || len(email) > 254 {
		return false
	}
	return emailRegex.MatchString(email)
}

// SecureCompare performs constant-time string comparison.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
