package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/vitwit/hypernet/storage"
	"github.com/vitwit/hypernet/types"
)

// AuthorizedGatewaysKey is the storage key of the authorization list.
const AuthorizedGatewaysKey = "AuthorizedGateways"

// AuthorizationStore keeps the gateway url to authorization signature map.
// Writes are read-modify-write under a lock so concurrent updates do not
// drop each other's entries.
type AuthorizationStore struct {
	mu    sync.Mutex
	store storage.Store
}

func NewAuthorizationStore(store storage.Store) *AuthorizationStore {
	return &AuthorizationStore{store: store}
}

// Load returns every authorized gateway.
func (s *AuthorizationStore) Load(ctx context.Context) (map[types.GatewayURL]types.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Get returns the authorization signature of gatewayURL, if any.
func (s *AuthorizationStore) Get(ctx context.Context, gatewayURL types.GatewayURL) (types.Signature, bool, error) {
	authorized, err := s.Load(ctx)
	if err != nil {
		return "", false, err
	}
	sig, ok := authorized[gatewayURL]
	return sig, ok, nil
}

// Put records or replaces the authorization of gatewayURL.
func (s *AuthorizationStore) Put(ctx context.Context, gatewayURL types.GatewayURL, signature types.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authorized, err := s.load(ctx)
	if err != nil {
		return err
	}
	authorized[gatewayURL] = signature
	return s.save(ctx, authorized)
}

// Remove drops the authorization of gatewayURL. Removing an unknown gateway
// is not an error.
func (s *AuthorizationStore) Remove(ctx context.Context, gatewayURL types.GatewayURL) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authorized, err := s.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := authorized[gatewayURL]; !ok {
		return nil
	}
	delete(authorized, gatewayURL)
	return s.save(ctx, authorized)
}

func (s *AuthorizationStore) load(ctx context.Context) (map[types.GatewayURL]types.Signature, error) {
	var entries []types.AuthorizedGateway
	if _, err := s.store.Read(ctx, AuthorizedGatewaysKey, &entries); err != nil {
		return nil, types.NewError(types.CodePersistence, "failed to read authorized gateways", err)
	}

	authorized := make(map[types.GatewayURL]types.Signature, len(entries))
	for _, e := range entries {
		authorized[e.GatewayURL] = e.AuthorizationSignature
	}
	return authorized, nil
}

func (s *AuthorizationStore) save(ctx context.Context, authorized map[types.GatewayURL]types.Signature) error {
	entries := make([]types.AuthorizedGateway, 0, len(authorized))
	for _, url := range sortedURLs(authorized) {
		entries = append(entries, types.AuthorizedGateway{
			GatewayURL:             url,
			AuthorizationSignature: authorized[url],
		})
	}
	if err := s.store.Write(ctx, AuthorizedGatewaysKey, entries); err != nil {
		return types.NewError(types.CodePersistence, "failed to write authorized gateways", err)
	}
	return nil
}

func sortedURLs[V any](m map[types.GatewayURL]V) []types.GatewayURL {
	urls := make([]types.GatewayURL, 0, len(m))
	for url := range m {
		urls = append(urls, url)
	}
	sort.Slice(urls, func(i, j int) bool { return urls[i] < urls[j] })
	return urls
}
