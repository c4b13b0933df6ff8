package cli

import (
	"context"
	"fmt"

	"k8s.io/client-go/kubernetes"

	"github.com/pgferry/pgferry/internal/cluster"
	"github.com/pgferry/pgferry/internal/config"
	"github.com/pgferry/pgferry/internal/pkg/logger"
)

// logSink adapts the process logger to the workflow log interface for
// commands running outside the task manager.
type logSink struct{}

func (logSink) Debugf(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) }
func (logSink) Infof(format string, args ...any)  { logger.Info(fmt.Sprintf(format, args...)) }
func (logSink) Warnf(format string, args ...any)  { logger.Warn(fmt.Sprintf(format, args...)) }
func (logSink) Errorf(format string, args ...any) { logger.Error(fmt.Sprintf(format, args...)) }

// newStore opens the service-config store selected by --service-config: a
// local YAML file, or the cluster ConfigMap when set to "k8s".
func newStore(ctx context.Context, clientset kubernetes.Interface) (config.Store, error) {
	if configPath != "" && configPath != "k8s" {
		return config.NewFileStore(configPath)
	}
	return config.NewKubeStore(ctx, clientset, config.DefaultConfigMapName, namespace)
}

// newExecutor picks the SQL transport: a direct client on a pod, the psql
// proxy shell when running from a workstation.
func newExecutor(log cluster.Sink) cluster.SQLExecutor {
	if cluster.InCluster() {
		return cluster.NewDirectExecutor(log)
	}
	return cluster.NewShellExecutor(log)
}
