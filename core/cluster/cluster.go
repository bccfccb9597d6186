// Package cluster prepares a Kubernetes namespace and service account for launched jobs.
package cluster

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	namespaceKey      = "engine.kubernetes.namespace"
	serviceAccountKey = "engine.kubernetes.service_account"
	managedByLabel    = "app.kubernetes.io/managed-by"
	managedByValue    = "xmanager"
)

type Manager struct {
	client         kubernetes.Interface
	namespace      string
	serviceAccount string
	logger         *log.Entry
}

func NewManager(c *config.Config, client kubernetes.Interface) *Manager {
	namespace := c.GetString(namespaceKey)
	return &Manager{
		client:         client,
		namespace:      namespace,
		serviceAccount: c.GetString(serviceAccountKey),
		logger:         log.WithFields(log.Fields{"component": "cluster", "namespace": namespace}),
	}
}

// Create makes the namespace and service account. Both are left alone when they already exist.
func (m *Manager) Create(ctx context.Context) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   m.namespace,
			Labels: map[string]string{managedByLabel: managedByValue},
		},
	}
	if _, err := m.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		if !k8serrors.IsAlreadyExists(err) {
			return errors.Wrapf(err, "problem creating namespace [%s]", m.namespace)
		}
		m.logger.Info("namespace already exists")
	}

	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.serviceAccount,
			Namespace: m.namespace,
			Labels:    map[string]string{managedByLabel: managedByValue},
		},
	}
	if _, err := m.client.CoreV1().ServiceAccounts(m.namespace).Create(ctx, sa, metav1.CreateOptions{}); err != nil {
		if !k8serrors.IsAlreadyExists(err) {
			return errors.Wrapf(err, "problem creating service account [%s]", m.serviceAccount)
		}
		m.logger.Info("service account already exists")
	}
	m.logger.WithField("service_account", m.serviceAccount).Info("cluster ready")
	return nil
}

//
// Delete removes the service account, and the namespace when it was created here.
// Namespaces not labeled as ours are never deleted.
//
func (m *Manager) Delete(ctx context.Context) error {
	err := m.client.CoreV1().ServiceAccounts(m.namespace).Delete(ctx, m.serviceAccount, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return errors.Wrapf(err, "problem deleting service account [%s]", m.serviceAccount)
	}

	ns, err := m.client.CoreV1().Namespaces().Get(ctx, m.namespace, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "problem getting namespace [%s]", m.namespace)
	}
	if ns.Labels[managedByLabel] != managedByValue {
		m.logger.Info("namespace not managed by xmanager, keeping it")
		return nil
	}
	err = m.client.CoreV1().Namespaces().Delete(ctx, m.namespace, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return errors.Wrapf(err, "problem deleting namespace [%s]", m.namespace)
	}
	m.logger.Info("cluster resources deleted")
	return nil
}
