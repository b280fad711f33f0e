package state

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"linkroute/internal/domain"

	"github.com/nats-io/nats.go"
)

const encodedKeyPrefix = "b64_"

var validKVKey = regexp.MustCompile(`^[-_=a-zA-Z0-9]+(\.[-_=a-zA-Z0-9]+)*$`)

// NATSSettings configures JetStream KV backend.
// Params: server URLs, bucket name, and bucket auto-create flag.
// Returns: connection settings for NewNATSStore.
type NATSSettings struct {
	URL               []string
	Bucket            string
	AllowCreateBucket bool
	Name              string
}

// NATSStore persists rule sets in a JetStream KV bucket keyed by account id.
// Params: NATS connection, JetStream context, and KV bucket handle.
// Returns: backend shared by all service instances.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore connects and opens (or creates) the rules bucket.
// Params: NATS/JetStream settings.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings NATSSettings) (*NATSStore, error) {
	opts := []nats.Option{}
	if settings.Name != "" {
		opts = append(opts, nats.Name(settings.Name))
	}
	nc, err := nats.Connect(strings.Join(settings.URL, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBucket {
			nc.Close()
			return nil, fmt.Errorf("open rules bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "link routing rule sets by account",
			History:     1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create rules bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// Load reads one account entry.
// Params: account id.
// Returns: decoded rule set or ErrNotFound.
func (s *NATSStore) Load(_ context.Context, accountID string) (domain.AccountRuleSet, error) {
	entry, err := s.kv.Get(KeyForAccount(accountID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.AccountRuleSet{}, ErrNotFound
		}
		return domain.AccountRuleSet{}, fmt.Errorf("get account %q: %w", accountID, err)
	}
	return domain.DecodeRuleSet(entry.Value())
}

// LoadAll reads every entry in the bucket.
// Params: context for cancellation between entries.
// Returns: decoded sets; an empty bucket yields nil.
func (s *NATSStore) LoadAll(ctx context.Context) ([]domain.AccountRuleSet, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]domain.AccountRuleSet, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get key %q: %w", key, err)
		}
		set, err := domain.DecodeRuleSet(entry.Value())
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out = append(out, set)
	}
	return out, nil
}

// Save writes whole rule set under account key with compare-and-swap.
// Params: context (checked before publish) and rule set.
// Returns: encode, put, or ErrConflict error.
func (s *NATSStore) Save(ctx context.Context, set domain.AccountRuleSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := domain.EncodeRuleSet(set)
	if err != nil {
		return err
	}
	key := KeyForAccount(set.AccountID)

	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		if _, err := s.kv.Create(key, body); err != nil {
			return casError(set, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get account %q: %w", set.AccountID, err)
	}
	stored, err := domain.DecodeRuleSet(entry.Value())
	if err != nil {
		return fmt.Errorf("stored account %q: %w", set.AccountID, err)
	}
	if stored.Version+1 != set.Version {
		return conflictError(set.AccountID, stored.Version, set.Version)
	}
	if _, err := s.kv.Update(key, body, entry.Revision()); err != nil {
		return casError(set, err)
	}
	return nil
}

// casError maps failed create/update to ErrConflict when another writer won.
func casError(set domain.AccountRuleSet, err error) error {
	if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
		return fmt.Errorf("%w: account %q version %d: %w", ErrConflict, set.AccountID, set.Version, err)
	}
	return fmt.Errorf("put account %q: %w", set.AccountID, err)
}

// Watch starts replica watcher on the rules bucket.
// Params: handler invoked for every rule set written by any instance.
// Returns: running watcher or setup error.
func (s *NATSStore) Watch(handler func(domain.AccountRuleSet)) (*RuleSetWatcher, error) {
	return newRuleSetWatcher(s.kv, handler)
}

// Conn exposes the underlying connection for components sharing it.
func (s *NATSStore) Conn() *nats.Conn {
	return s.nc
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// KeyForAccount maps account id to a valid KV key.
// Params: account id.
// Returns: id itself when it is a valid key, otherwise a base64url-encoded key.
func KeyForAccount(accountID string) string {
	if validKVKey.MatchString(accountID) && !strings.HasPrefix(accountID, encodedKeyPrefix) {
		return accountID
	}
	return encodedKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(accountID))
}
