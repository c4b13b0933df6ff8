// Package cluster wraps the orchestration-cluster operations the migration
// needs: database secrets, workload restarts, pod health, and SQL execution
// against the source and target databases.
package cluster

import (
	"context"
	"fmt"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Sink receives progress lines from cluster operations. The per-task log
// buffer implements it; so does the process logger shim.
type Sink interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// restartedAtAnnotation is the pod-template annotation patched to force a
// rolling restart, the same one kubectl rollout restart writes.
const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// Client performs cluster operations through a Kubernetes clientset and a
// SQL executor.
type Client struct {
	kube kubernetes.Interface
	sql  SQLExecutor
	log  Sink
}

// NewClient wires a clientset and SQL executor together.
func NewClient(kube kubernetes.Interface, sql SQLExecutor, log Sink) *Client {
	return &Client{kube: kube, sql: sql, log: log}
}

// NewClientset builds a Kubernetes clientset, preferring the in-cluster
// service account and falling back to the local kubeconfig.
func NewClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}

// InCluster reports whether the process is running on a pod.
func InCluster() bool {
	_, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount/token")
	return err == nil
}

// CreateSecret upserts a database secret. A derived jdbc_url field is always
// included, and when an existing secret is patched its previous password is
// preserved under old-password so consumers can rotate.
func (c *Client) CreateSecret(ctx context.Context, name, namespace string, fields map[string]string) error {
	c.log.Infof("creating secret %q", namespace+"/"+name)

	exists := false
	oldPassword := ""
	if existing, err := c.kube.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{}); err == nil {
		exists = true
		oldPassword = string(existing.Data["password"])
	}

	data := map[string][]byte{}
	for k, v := range fields {
		data[k] = []byte(v)
	}
	data["jdbc_url"] = []byte(fmt.Sprintf("jdbc:postgresql://%s:%s/%s",
		orUnknown(fields["host"]), orUnknown(fields["port"]), orUnknown(fields["dbname"])))
	if oldPassword != "" {
		data["old-password"] = []byte(oldPassword)
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Data:       data,
	}
	var err error
	if exists {
		_, err = c.kube.CoreV1().Secrets(namespace).Update(ctx, secret, metav1.UpdateOptions{})
	} else {
		_, err = c.kube.CoreV1().Secrets(namespace).Create(ctx, secret, metav1.CreateOptions{})
	}
	if err != nil {
		return fmt.Errorf("failed to upsert secret %s/%s: %w", namespace, name, err)
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}

// RestartWorkload forces a rolling restart of the named Deployment or
// StatefulSet by patching the pod template's restartedAt annotation. A
// missing workload is logged, not an error.
func (c *Client) RestartWorkload(ctx context.Context, name, namespace string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	patch := []byte(fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`, restartedAtAnnotation, now))

	_, err := c.kube.AppsV1().Deployments(namespace).
		Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to restart deployment %s/%s: %w", namespace, name, err)
	}

	_, err = c.kube.AppsV1().StatefulSets(namespace).
		Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to restart statefulset %s/%s: %w", namespace, name, err)
	}

	c.log.Warnf("service %q was not found, not restarting", namespace+"/"+name)
	return nil
}

// CheckAppHealthy reports whether a Deployment or StatefulSet with this name
// exists. The reason string is empty when healthy.
func (c *Client) CheckAppHealthy(ctx context.Context, namespace, app string) (bool, string) {
	if _, err := c.kube.AppsV1().Deployments(namespace).Get(ctx, app, metav1.GetOptions{}); err == nil {
		return true, ""
	} else if !apierrors.IsNotFound(err) {
		return false, fmt.Sprintf("failed to call k8s api in namespace %s: %v", namespace, err)
	}
	if _, err := c.kube.AppsV1().StatefulSets(namespace).Get(ctx, app, metav1.GetOptions{}); err == nil {
		return true, ""
	} else if !apierrors.IsNotFound(err) {
		return false, fmt.Sprintf("failed to call k8s api in namespace %s: %v", namespace, err)
	}
	return false, fmt.Sprintf("statefulset or deployment %s/%s does not exist", namespace, app)
}

// PodsStatus aggregates the restart count and container-state set for the
// pods labeled app=<name>.
func (c *Client) PodsStatus(ctx context.Context, namespace, app string) (int, map[string]bool, []corev1.ContainerStatus, error) {
	pods, err := c.kube.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + app,
	})
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to list pods for app %s: %w", app, err)
	}
	restarts := 0
	states := map[string]bool{}
	var raw []corev1.ContainerStatus
	for _, pod := range pods.Items {
		if len(pod.Status.ContainerStatuses) == 0 {
			continue
		}
		status := pod.Status.ContainerStatuses[0]
		restarts += int(status.RestartCount)
		if status.State.Running != nil {
			states["running"] = true
		} else {
			states["error"] = true
		}
		raw = append(raw, status)
	}
	return restarts, states, raw, nil
}

// SQL passthroughs. The executor is chosen at bootstrap: a direct client on
// a pod, a proxy-pod shell when running locally.

func (c *Client) CheckConnection(ctx context.Context, host string, port int, database, username, password string) error {
	return c.sql.CheckConnection(ctx, ConnParams{Host: host, Port: port, Database: database, User: username, Password: password})
}

func (c *Client) GrantAccess(ctx context.Context, host string, port int, database, username, password, grantee string) error {
	return c.sql.GrantAccess(ctx, ConnParams{Host: host, Port: port, Database: database, User: username, Password: password}, grantee)
}

func (c *Client) SetOwnerAllTables(ctx context.Context, host string, port int, database, username, password, grantee string) error {
	return c.sql.SetOwnerAllTables(ctx, ConnParams{Host: host, Port: port, Database: database, User: username, Password: password}, grantee)
}

func (c *Client) CreateReplicationUser(ctx context.Context, username, password string, host string, port int, database, adminUser, adminPassword string) (string, error) {
	return c.sql.CreateReplicationUser(ctx, username, password,
		ConnParams{Host: host, Port: port, Database: database, User: adminUser, Password: adminPassword})
}
