package rpc

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"streamchain/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded 65-byte recoverable signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20

	defaultTimestampSkew     = 2 * time.Minute
	defaultNonceWindow       = 10 * time.Minute
	defaultNonceCapacity     = 4096
	persistencePruneInterval = time.Minute
	maxNonceLength           = 128
)

var errUnauthenticated = errors.New("unauthenticated")

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Caller     [20]byte
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for caller nonce usage.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// SignatureAuthenticator verifies secp256k1 request signatures and returns
// the recovered caller address.
type SignatureAuthenticator struct {
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[[20]byte]*nonceStore

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewSignatureAuthenticator builds an authenticator. Zero values fall back to
// the defaults; persistence may be nil for an in-memory only nonce cache.
func NewSignatureAuthenticator(skew, nonceTTL time.Duration, nonceCapacity int, persistence NoncePersistence) *SignatureAuthenticator {
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL < skew {
		nonceTTL = skew
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	return &SignatureAuthenticator{
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        nonceCapacity,
		nowFn:                time.Now,
		nonces:               make(map[[20]byte]*nonceStore),
		persistence:          persistence,
	}
}

// SetNowFunc overrides the clock used for skew checks.
func (a *SignatureAuthenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	a.nowFn = now
}

// Authenticate validates headers and signature, returning the caller address.
func (a *SignatureAuthenticator) Authenticate(r *http.Request, body []byte) ([20]byte, error) {
	var caller [20]byte
	if len(body) > MaxBodyForSignature {
		return caller, fmt.Errorf("%w: request body exceeds %d bytes", errUnauthenticated, MaxBodyForSignature)
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return caller, fmt.Errorf("%w: missing %s header", errUnauthenticated, HeaderTimestamp)
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return caller, fmt.Errorf("%w: invalid timestamp: %v", errUnauthenticated, err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return caller, fmt.Errorf("%w: timestamp outside allowed skew of %s", errUnauthenticated, a.allowedTimestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return caller, fmt.Errorf("%w: missing %s header", errUnauthenticated, HeaderNonce)
	}
	if len(nonce) > maxNonceLength {
		return caller, fmt.Errorf("%w: nonce longer than %d bytes", errUnauthenticated, maxNonceLength)
	}
	providedSig := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(HeaderSignature)), "0x")
	if providedSig == "" {
		return caller, fmt.Errorf("%w: missing %s header", errUnauthenticated, HeaderSignature)
	}
	sig, err := hex.DecodeString(providedSig)
	if err != nil {
		return caller, fmt.Errorf("%w: invalid signature encoding: %v", errUnauthenticated, err)
	}
	digest := SigningDigest(timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	caller, err = crypto.RecoverAddress(digest, sig)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: invalid signature: %v", errUnauthenticated, err)
	}
	duplicate, err := a.registerNonce(r.Context(), caller, timestampHeader, nonce, now)
	if err != nil {
		return [20]byte{}, err
	}
	if duplicate {
		return [20]byte{}, fmt.Errorf("%w: nonce already used", errUnauthenticated)
	}
	return caller, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *SignatureAuthenticator) HydrateNonces(ctx context.Context) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	cutoff := a.nowFn().UTC().Add(-a.nonceTTL)
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		a.nonceStore(rec.Caller).Add(rec.Timestamp+"|"+rec.Nonce, rec.ObservedAt)
	}
	return nil
}

func (a *SignatureAuthenticator) registerNonce(ctx context.Context, caller [20]byte, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.nonceStore(caller)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			Caller:     caller,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (a *SignatureAuthenticator) prunePersistent(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

func (a *SignatureAuthenticator) nonceStore(caller [20]byte) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[caller]
	if ok {
		return cache
	}
	cache = newNonceStore(a.nonceTTL, a.nonceCapacity)
	a.nonces[caller] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// SigningDigest is the keccak256 digest a caller signs: the timestamp, nonce,
// upper-cased method, canonical path and body joined by newlines.
func SigningDigest(timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	return ethcrypto.Keccak256([]byte(payload))
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports whether the nonce has been observed without mutating the cache when new.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		front := n.order.Front()
		n.order.Remove(front)
		delete(n.entries, front.Value.(nonceEntry).key)
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}
