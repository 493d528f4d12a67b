// Package etcdstore keeps registry entries in etcd so several registry hosts
// publish one shared directory. Entries are bound to a lease kept alive by the
// store; when the writing host dies its entries expire with the lease.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/xiaonanln/goreplica/registry"
	"github.com/xiaonanln/goreplica/util/logger"
)

const (
	DefaultPrefix = "/goreplica"
	EntryLeaseTTL = 15 // seconds
)

// Store is a registry.Store backed by etcd.
type Store struct {
	client    *clientv3.Client
	endpoints []string
	logger    *logger.Logger
	prefix    string

	mu            sync.Mutex
	leaseID       clientv3.LeaseID
	keepAliveStop context.CancelFunc
	keepAliveDone chan struct{}
	closed        bool
}

var _ registry.Store = (*Store)(nil)

// New creates a store for endpoints. Keys live under prefix + "/registry/";
// an empty prefix means DefaultPrefix. Nothing is dialed until Connect.
func New(endpoints []string, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		endpoints: endpoints,
		logger:    logger.NewLogger("EtcdStore"),
		prefix:    strings.TrimSuffix(prefix, "/"),
	}
}

// Connect creates the etcd client and checks that the cluster answers.
func (s *Store) Connect(ctx context.Context) error {
	s.logger.Infof("Connecting to etcd at %v", s.endpoints)

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Zap().Named("etcd"),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := cli.Get(checkCtx, s.EntriesPrefix(), clientv3.WithCountOnly()); err != nil {
		cli.Close()
		return fmt.Errorf("etcd at %v is not reachable: %w", s.endpoints, err)
	}

	s.client = cli
	s.logger.Infof("Connected to etcd at %v", s.endpoints)
	return nil
}

// EntriesPrefix returns the key prefix of the entries, e.g. "/goreplica/registry/".
func (s *Store) EntriesPrefix() string {
	return s.prefix + "/registry/"
}

func (s *Store) key(name string) string {
	return s.EntriesPrefix() + name
}

// lease returns the store's lease, granting it and starting its keep-alive on first use.
func (s *Store) lease(ctx context.Context) (clientv3.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("etcd store is closed")
	}
	if s.leaseID != 0 {
		return s.leaseID, nil
	}

	resp, err := s.client.Grant(ctx, EntryLeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to grant lease: %w", err)
	}
	kaCtx, stop := context.WithCancel(context.Background())
	keepAliveCh, err := s.client.KeepAlive(kaCtx, resp.ID)
	if err != nil {
		stop()
		return 0, fmt.Errorf("failed to keep alive lease: %w", err)
	}
	s.leaseID = resp.ID
	s.keepAliveStop = stop
	s.keepAliveDone = make(chan struct{})
	s.logger.Infof("Granted lease %d (TTL %ds)", resp.ID, EntryLeaseTTL)

	go s.drainKeepAlive(resp.ID, keepAliveCh, s.keepAliveDone)
	return resp.ID, nil
}

func (s *Store) drainKeepAlive(id clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse, done chan struct{}) {
	defer close(done)
	for ka := range ch {
		s.logger.Debugf("Keep-alive response for lease %d, TTL: %d", ka.ID, ka.TTL)
	}
	s.logger.Warnf("Keep-alive channel closed for lease %d", id)

	// The lease is gone; the next Put grants a new one.
	s.mu.Lock()
	if s.leaseID == id {
		s.leaseID = 0
	}
	s.mu.Unlock()
}

// Put writes e bound to the store's lease.
func (s *Store) Put(ctx context.Context, e registry.Entry) error {
	if s.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", e.Name, err)
	}
	id, err := s.lease(ctx)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, s.key(e.Name), string(data), clientv3.WithLease(id)); err != nil {
		return fmt.Errorf("failed to put entry %s: %w", e.Name, err)
	}
	s.logger.Debugf("Put %s", e)
	return nil
}

// Delete removes the entry called name.
func (s *Store) Delete(ctx context.Context, name string) error {
	if s.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	if _, err := s.client.Delete(ctx, s.key(name)); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", name, err)
	}
	s.logger.Debugf("Delete %s", name)
	return nil
}

// List returns every entry under the prefix.
func (s *Store) List(ctx context.Context) ([]registry.Entry, error) {
	if s.client == nil {
		return nil, fmt.Errorf("etcd client not connected")
	}
	resp, err := s.client.Get(ctx, s.EntriesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	entries := make([]registry.Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e registry.Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			s.logger.Warnf("Skipping malformed entry %s: %v", kv.Key, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Watch streams changes under the prefix until ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan registry.Event, error) {
	if s.client == nil {
		return nil, fmt.Errorf("etcd client not connected")
	}
	watchChan := s.client.Watch(ctx, s.EntriesPrefix(), clientv3.WithPrefix())
	out := make(chan registry.Event, 64)

	go func() {
		defer close(out)
		s.logger.Infof("Watching entries at prefix %s", s.EntriesPrefix())
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				s.logger.Errorf("Watch error: %v", err)
				continue
			}
			for _, event := range watchResp.Events {
				ev, ok := s.translate(event)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
		s.logger.Infof("Entry watch stopped")
	}()
	return out, nil
}

func (s *Store) translate(event *clientv3.Event) (registry.Event, bool) {
	switch event.Type {
	case clientv3.EventTypePut:
		var e registry.Entry
		if err := json.Unmarshal(event.Kv.Value, &e); err != nil {
			s.logger.Warnf("Skipping malformed entry %s: %v", event.Kv.Key, err)
			return registry.Event{}, false
		}
		return registry.Event{Type: registry.EventPut, Entry: e}, true
	case clientv3.EventTypeDelete:
		// Deletes carry only the key.
		name := strings.TrimPrefix(string(event.Kv.Key), s.EntriesPrefix())
		return registry.Event{Type: registry.EventDelete, Entry: registry.Entry{Name: name}}, true
	}
	return registry.Event{}, false
}

// Close revokes the lease, which removes every entry this store wrote, and
// closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	leaseID, stop, done := s.leaseID, s.keepAliveStop, s.keepAliveDone
	s.leaseID = 0
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	if leaseID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := s.client.Revoke(ctx, leaseID); err != nil {
			s.logger.Warnf("Failed to revoke lease: %v", err)
		}
		cancel()
		stop()
		<-done
	}
	s.logger.Infof("Closing etcd connection")
	return s.client.Close()
}
