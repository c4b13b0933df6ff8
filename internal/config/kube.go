package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"gopkg.in/yaml.v3"

	"github.com/pgferry/pgferry/internal/pkg/logger"
)

const (
	// DefaultConfigMapName is the keyed document holding one YAML property
	// map per service in the orchestration cluster.
	DefaultConfigMapName = "cloudsql-migration"
)

// KubeStore keeps service configs in a ConfigMap, one data key per service
// whose value is a YAML property map. Concurrent writers are serialized via
// the API server's optimistic concurrency; Save re-merges and retries on
// resource-version conflicts.
type KubeStore struct {
	client    kubernetes.Interface
	name      string
	namespace string

	mu      sync.Mutex
	version string
	cache   map[string]*DbConfig
}

// NewKubeStore loads the ConfigMap name/namespace through client.
func NewKubeStore(ctx context.Context, client kubernetes.Interface, name, namespace string) (*KubeStore, error) {
	s := &KubeStore{client: client, name: name, namespace: namespace}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// load refreshes the cache from the cluster. Callers hold s.mu.
func (s *KubeStore) load(ctx context.Context) error {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to read configmap %s/%s: %w", s.namespace, s.name, err)
	}
	cache := make(map[string]*DbConfig, len(cm.Data))
	for service, doc := range cm.Data {
		var props map[string]any
		if err := yaml.Unmarshal([]byte(doc), &props); err != nil {
			return fmt.Errorf("failed to parse config for service %q: %w", service, err)
		}
		cache[service] = NewDbConfig(service, props)
	}
	s.version = cm.ResourceVersion
	s.cache = cache
	return nil
}

// Keys returns the known service names, sorted.
func (s *KubeStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the config for a service.
func (s *KubeStore) Get(service string) (*DbConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.cache[service]
	if !ok {
		return nil, fmt.Errorf("%q: %w", service, ErrNotFound)
	}
	return cfg, nil
}

// Save merges patch into the service's properties and updates the
// ConfigMap. On a version conflict the ConfigMap is reloaded, the patch
// re-merged, and the update retried, up to saveRetryLimit attempts.
func (s *KubeStore) Save(service string, patch map[string]any) error {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	logger.Info("updating config properties", "service", service, "keys", keys)

	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; attempt < saveRetryLimit; attempt++ {
		// Re-read so the merge applies on top of the latest revision. Not a
		// perfect guarantee on its own, hence the conflict retry below.
		cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("failed to read configmap %s/%s: %w", s.namespace, s.name, err)
		}
		doc, ok := cm.Data[service]
		if !ok {
			return fmt.Errorf("%q: %w", service, ErrNotFound)
		}
		var props map[string]any
		if err := yaml.Unmarshal([]byte(doc), &props); err != nil {
			return fmt.Errorf("failed to parse config for service %q: %w", service, err)
		}
		for k, v := range patch {
			props[k] = v
		}
		out, err := yaml.Marshal(props)
		if err != nil {
			return fmt.Errorf("failed to serialize config for service %q: %w", service, err)
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[service] = string(out)

		if _, err := s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
			if apierrors.IsConflict(err) {
				continue
			}
			return fmt.Errorf("failed to update configmap %s/%s: %w", s.namespace, s.name, err)
		}
		s.version = cm.ResourceVersion
		s.cache[service] = NewDbConfig(service, props)
		return nil
	}
	return fmt.Errorf("max retries (%d) for configmap update exceeded: %w", saveRetryLimit, ErrConflict)
}

// Replace overwrites (or creates) entries in the ConfigMap from a local
// document, optionally restricted to a single service. Used by the config
// push bootstrap command.
func (s *KubeStore) Replace(ctx context.Context, doc map[string]map[string]any, only string) error {
	body := map[string]string{}
	for service, props := range doc {
		if only != "" && only != service {
			continue
		}
		out, err := yaml.Marshal(props)
		if err != nil {
			return fmt.Errorf("failed to serialize config for service %q: %w", service, err)
		}
		body[service] = string(out)
	}
	if len(body) == 0 {
		return fmt.Errorf("no services selected for update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		fresh := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: s.name, Namespace: s.namespace},
			Data:       body,
		}
		if _, err := s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, fresh, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create configmap %s/%s: %w", s.namespace, s.name, err)
		}
		return s.load(ctx)
	} else if err != nil {
		return fmt.Errorf("failed to read configmap %s/%s: %w", s.namespace, s.name, err)
	}
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	for k, v := range body {
		cm.Data[k] = v
	}
	if _, err := s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update configmap %s/%s: %w", s.namespace, s.name, err)
	}
	return s.load(ctx)
}
