// Package token implements short-lived, single-use capability tokens.
// A token is a signed grant for one syscall, bound to the requesting
// container and peer process, optionally scoped to a set of path globs.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// DefaultTTL is the token lifetime applied when the caller does not ask for
// a specific one.
const DefaultTTL = 30 * time.Second

// Validation failures, distinguishable via errors.Is.
var (
	ErrInvalid   = errors.New("token invalid")
	ErrExpired   = errors.New("token expired")
	ErrRevoked   = errors.New("token revoked")
	ErrExhausted = errors.New("token exhausted")
)

// Claim is the signed portion of a capability token. Clients receive the
// full claim and present it back verbatim; the signature covers every other
// field.
type Claim struct {
	TokenID     string   `json:"token_id"`
	ContainerID string   `json:"container_id"`
	PeerPID     int32    `json:"peer_pid"`
	Syscall     string   `json:"syscall"`
	PathGlob    []string `json:"path_glob,omitempty"`
	MaxOps      int      `json:"max_ops"`
	ExpiresAtMS int64    `json:"expires_at_ms"`
	Nonce       uint64   `json:"nonce"`
	Signature   string   `json:"signature,omitempty"`
}

// ExpiresAt returns the claim's expiry as a time.
func (c *Claim) ExpiresAt() time.Time {
	return time.UnixMilli(c.ExpiresAtMS)
}

// bookkeeping is the issuer-side mutable record for a minted token.
type bookkeeping struct {
	opsConsumed int
	maxOps      int
	expiresAt   time.Time
	revoked     bool
}

// MintRequest describes the token to mint. Zero values take defaults
// (MaxOps 1, TTL DefaultTTL).
type MintRequest struct {
	ContainerID string
	PeerPID     int32
	Syscall     string
	PathGlob    []string
	MaxOps      int
	TTL         time.Duration
}

// Issuer mints, validates, and revokes capability tokens. The signing secret
// is generated at construction and never persisted; tokens do not survive a
// kernel restart.
type Issuer struct {
	secret []byte
	logger *log.Logger

	mu    sync.Mutex
	nonce uint64
	books map[string]*bookkeeping
}

// NewIssuer creates an issuer with a fresh 256-bit HMAC secret.
func NewIssuer(logger *log.Logger) (*Issuer, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[token] ", log.LstdFlags|log.Lmsgprefix)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}

	return &Issuer{
		secret: secret,
		logger: logger,
		books:  make(map[string]*bookkeeping),
	}, nil
}

// Mint creates a signed claim and records its bookkeeping.
func (i *Issuer) Mint(req MintRequest) (*Claim, error) {
	if req.Syscall == "" {
		return nil, fmt.Errorf("mint: syscall is required")
	}

	maxOps := req.MaxOps
	if maxOps <= 0 {
		maxOps = 1
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	for _, pattern := range req.PathGlob {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("mint: invalid path glob %q", pattern)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.sweepLocked(time.Now())

	i.nonce++
	expires := time.Now().Add(ttl)
	claim := &Claim{
		TokenID:     uuid.NewString(),
		ContainerID: req.ContainerID,
		PeerPID:     req.PeerPID,
		Syscall:     req.Syscall,
		PathGlob:    req.PathGlob,
		MaxOps:      maxOps,
		ExpiresAtMS: expires.UnixMilli(),
		Nonce:       i.nonce,
	}
	claim.Signature = hex.EncodeToString(i.sign(claim))

	i.books[claim.TokenID] = &bookkeeping{
		maxOps:    maxOps,
		expiresAt: expires,
	}

	return claim, nil
}

// Consume validates a claim against the given caller and syscall and, if
// every check passes, consumes one op. The caller supplies now so that the
// decision and the check share a single instant. Failures never consume.
func (i *Issuer) Consume(claim *Claim, containerID string, peerPID int32, syscall, path string, now time.Time) error {
	if claim == nil {
		return fmt.Errorf("%w: no claim", ErrInvalid)
	}

	sig, err := hex.DecodeString(claim.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalid)
	}
	if !hmac.Equal(sig, i.sign(claim)) {
		return fmt.Errorf("%w: bad signature", ErrInvalid)
	}

	if !claim.ExpiresAt().After(now) {
		return ErrExpired
	}
	if claim.ContainerID != containerID {
		return fmt.Errorf("%w: container mismatch", ErrInvalid)
	}
	if claim.PeerPID != peerPID {
		return fmt.Errorf("%w: peer mismatch", ErrInvalid)
	}
	if claim.Syscall != syscall {
		return fmt.Errorf("%w: syscall mismatch", ErrInvalid)
	}
	if claim.PathGlob != nil {
		if path == "" || !matchAny(claim.PathGlob, path) {
			return fmt.Errorf("%w: path not covered", ErrInvalid)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	book, ok := i.books[claim.TokenID]
	if !ok {
		return fmt.Errorf("%w: unknown token", ErrInvalid)
	}
	if book.revoked {
		return ErrRevoked
	}
	if book.opsConsumed >= book.maxOps {
		return ErrExhausted
	}

	book.opsConsumed++
	return nil
}

// Revoke marks a token as revoked. Idempotent; unknown token ids are a
// no-op.
func (i *Issuer) Revoke(tokenID string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if book, ok := i.books[tokenID]; ok {
		book.revoked = true
	}
}

// sign computes the keyed MAC over the canonical serialization of the
// claim's fields, sorted by key. Marshaling a map yields lexicographically
// sorted keys, which is the canonical form.
func (i *Issuer) sign(c *Claim) []byte {
	canonical := map[string]any{
		"container_id":  c.ContainerID,
		"expires_at_ms": c.ExpiresAtMS,
		"max_ops":       c.MaxOps,
		"nonce":         c.Nonce,
		"path_glob":     c.PathGlob,
		"peer_pid":      c.PeerPID,
		"syscall":       c.Syscall,
		"token_id":      c.TokenID,
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		// Marshaling plain scalars and string slices cannot fail.
		panic(fmt.Sprintf("token: canonical marshal: %v", err))
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// sweepLocked garbage-collects bookkeeping for tokens that can never
// validate again. Caller holds i.mu.
func (i *Issuer) sweepLocked(now time.Time) {
	for id, book := range i.books {
		if book.revoked || book.opsConsumed >= book.maxOps || !book.expiresAt.After(now) {
			delete(i.books, id)
		}
	}
}

func matchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
