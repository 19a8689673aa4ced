package configsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
)

// K8sWatcher drives a listener reconfigure off a single ConfigMap's
// "listeners.json" data key, the alternate config source alongside the
// default file watcher in filewatch.go.
type K8sWatcher struct {
	clientset *kubernetes.Clientset
	namespace string
	name      string
	key       string
	log       *slog.Logger
}

// NewK8sWatcher builds an in-cluster Kubernetes clientset and watches the
// named ConfigMap in namespace for data[key].
func NewK8sWatcher(namespace, name, key string, logger *slog.Logger) (*K8sWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("configsource: in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("configsource: build clientset: %w", err)
	}
	return &K8sWatcher{clientset: clientset, namespace: namespace, name: name, key: key, log: logger}, nil
}

// Watch starts an informer on the ConfigMap and invokes apply with the
// decoded listener list on every add/update, until ctx is cancelled.
func (w *K8sWatcher) Watch(ctx context.Context, apply func([]ListenerSpec) error) error {
	listWatch := cache.NewFilteredListWatchFromClient(
		w.clientset.CoreV1().RESTClient(), "configmaps", w.namespace,
		fieldsSelectorByName(w.name),
	)
	_, informer := cache.NewInformer(listWatch, &corev1.ConfigMap{}, 0,
		cache.ResourceEventHandlerFuncs{
			AddFunc:    func(obj any) { w.handle(obj, apply) },
			UpdateFunc: func(_, obj any) { w.handle(obj, apply) },
		})
	informer.Run(ctx.Done())
	return nil
}

func (w *K8sWatcher) handle(obj any, apply func([]ListenerSpec) error) {
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		return
	}
	raw, ok := cm.Data[w.key]
	if !ok {
		return
	}
	var spec FileSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		w.log.Error("configsource: k8s configmap decode failed", slog.String("error", err.Error()))
		return
	}
	if err := apply(spec.Listeners); err != nil {
		w.log.Error("configsource: apply from configmap failed", slog.String("error", err.Error()))
	}
}

func fieldsSelectorByName(name string) func(options *metav1.ListOptions) {
	return func(options *metav1.ListOptions) {
		options.FieldSelector = "metadata.name=" + name
	}
}
