// Package source adapts the orchestrator into the reconciliation loop's
// view of the world: a snapshot of annotated frontend services plus a live
// change-event stream. It watches Kubernetes Services and re-establishes
// broken watches until the context ends.
package source

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/gothack/ingress-robot/pkg/route"
)

// rewatchDelay paces reconnect attempts after a broken watch.
const rewatchDelay = 2 * time.Second

// Event reports one orchestrator change. The reconciliation loop treats
// events as triggers only; every pass re-reads the full snapshot.
type Event struct {
	Type    watch.EventType
	Service string
}

// Adapter exposes annotated frontend services.
type Adapter struct {
	client kubernetes.Interface
}

// NewAdapter creates an adapter over the given cluster client.
func NewAdapter(client kubernetes.Interface) *Adapter {
	return &Adapter{client: client}
}

// Snapshot lists all services currently carrying the nginx-ingress host
// annotation, as ephemeral descriptors.
func (a *Adapter) Snapshot(ctx context.Context) ([]route.ServiceDescriptor, error) {
	svcList, err := a.client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	var descriptors []route.ServiceDescriptor
	for i := range svcList.Items {
		svc := &svcList.Items[i]
		if !annotated(svc) {
			continue
		}
		descriptors = append(descriptors, describe(svc))
	}
	klog.V(4).Infof("Snapshot found %d ingress services among %d", len(descriptors), len(svcList.Items))
	return descriptors, nil
}

// Events streams service change notifications until the context ends. The
// stream is intentionally unfiltered: a service losing its annotations is
// just as much a routing change as one gaining them, and no-op passes are
// suppressed downstream by byte-identical render comparison.
func (a *Adapter) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			w, err := a.client.CoreV1().Services(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{})
			if err != nil {
				klog.Errorf("Failed to watch services, retrying in %s: %v", rewatchDelay, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(rewatchDelay):
				}
				continue
			}
			a.consume(ctx, w, ch)
		}
	}()
	return ch
}

// consume drains one watch session until it breaks.
func (a *Adapter) consume(ctx context.Context, w watch.Interface, ch chan<- Event) {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				klog.V(4).Info("Service watch ended, re-establishing")
				return
			}
			if ev.Type == watch.Error {
				klog.Warningf("Service watch error event: %v", ev.Object)
				return
			}
			svc, ok := ev.Object.(*corev1.Service)
			if !ok {
				continue
			}
			out := Event{Type: ev.Type, Service: svc.Namespace + "/" + svc.Name}
			select {
			case ch <- out:
			default:
				// The consumer debounces; dropping under burst is harmless.
			}
		}
	}
}

func annotated(svc *corev1.Service) bool {
	_, ok := svc.Annotations[route.LabelHost]
	return ok
}

// describe projects a Service into the ephemeral descriptor the builder
// consumes. The upstream name is the in-cluster DNS name of the service.
func describe(svc *corev1.Service) route.ServiceDescriptor {
	labels := make(map[string]string)
	for k, v := range svc.Annotations {
		labels[k] = v
	}
	return route.ServiceDescriptor{
		ID:     string(svc.UID),
		Name:   fmt.Sprintf("%s.%s.svc", svc.Name, svc.Namespace),
		Labels: labels,
	}
}
