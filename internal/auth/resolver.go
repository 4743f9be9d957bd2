package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultOwnerCacheTTL = 24 * time.Hour

var ownerOfABI abi.ABI

func init() {
	const def = `[{"name":"ownerOf","type":"function","stateMutability":"view",` +
		`"inputs":[{"name":"contract","type":"address"},{"name":"collaborator","type":"address"}],` +
		`"outputs":[{"name":"owner","type":"string"}]}]`
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("auth: invalid ownerOf ABI: %v", err))
	}
	ownerOfABI = parsed
}

type cacheKey [2]string

type ownerCacheEntry struct {
	ownerDID string
	found    bool
	expires  time.Time
}

// OwnerResolver resolves the owner DID of (contractAddress,
// collaboratorAddress) against an on-chain registry reached through
// client, with a TTL-bounded positive/negative cache in front of it.
type OwnerResolver struct {
	client   *ethclient.Client
	registry common.Address
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[cacheKey]ownerCacheEntry
}

func NewOwnerResolver(client *ethclient.Client, registry common.Address, ttl time.Duration) *OwnerResolver {
	if ttl <= 0 {
		ttl = defaultOwnerCacheTTL
	}
	return &OwnerResolver{
		client:   client,
		registry: registry,
		ttl:      ttl,
		cache:    make(map[cacheKey]ownerCacheEntry),
	}
}

// Resolve returns the owner DID for (contractAddress, collaboratorAddress)
// and whether one was found. A transport-level failure also returns
// ("", false) but is never cached, since it is distinct from a confirmed
// absence and must be retried on the next call.
func (r *OwnerResolver) Resolve(ctx context.Context, contractAddress, collaboratorAddress string) (string, bool) {
	key := cacheKey{contractAddress, collaboratorAddress}

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.ownerDID, entry.found
	}

	ownerDID, found, err := r.callOwnerOf(ctx, contractAddress, collaboratorAddress)
	if err != nil {
		return "", false
	}

	r.mu.Lock()
	r.cache[key] = ownerCacheEntry{ownerDID: ownerDID, found: found, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return ownerDID, found
}

func (r *OwnerResolver) callOwnerOf(ctx context.Context, contractAddress, collaboratorAddress string) (string, bool, error) {
	input, err := ownerOfABI.Pack("ownerOf", common.HexToAddress(contractAddress), common.HexToAddress(collaboratorAddress))
	if err != nil {
		return "", false, fmt.Errorf("auth: pack ownerOf call: %w", err)
	}

	out, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.registry,
		Data: input,
	}, nil)
	if err != nil {
		return "", false, fmt.Errorf("auth: call registry: %w", err)
	}

	unpacked, err := ownerOfABI.Unpack("ownerOf", out)
	if err != nil {
		return "", false, fmt.Errorf("auth: unpack ownerOf result: %w", err)
	}
	if len(unpacked) != 1 {
		return "", false, fmt.Errorf("auth: unexpected ownerOf return arity %d", len(unpacked))
	}
	ownerDID, _ := unpacked[0].(string)
	if ownerDID == "" {
		return "", false, nil
	}
	return ownerDID, true, nil
}
