// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package podpool keeps a pool of warm kernel pods in a Kubernetes
// namespace, so attaching a kernel to a tyne does not pay container
// cold-start latency. The pool worker reconciles continuously: stale
// and over-age pods are evicted, and the ready set is refilled to its
// target size.
package podpool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"
	"gopkg.in/retry.v1"
	core "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ursgro/neptyne-spreadsheet-sub000/core/tyne"
	"github.com/ursgro/neptyne-spreadsheet-sub000/kernel/transport"
)

var logger = loggo.GetLogger("neptyne.kernel.podpool")

const (
	// MaxPodAge evicts warm pods that have waited too long; their
	// image may be stale and their interpreter state cold anyway.
	MaxPodAge = 5 * time.Minute

	// ReadyDeadline bounds how long a dedicated pod may take to reach
	// Running before provisioning fails.
	ReadyDeadline = 180 * time.Second

	// DefaultRefillInterval is how often the pool reconciles.
	DefaultRefillInterval = 15 * time.Second
)

// Pod labels. Assignment is recorded on the pod so that a restarted
// server never hands the same pod out twice.
const (
	labelApp        = "app.kubernetes.io/name"
	labelAppValue   = "neptyne-kernel"
	labelVersionTag = "neptyne.io/version-tag"
	labelShardIndex = "neptyne.io/shard-index"
	labelAssigned   = "neptyne.io/assigned"
)

// Dialer connects to a pod's kernel endpoint.
type Dialer interface {
	Dial(ctx context.Context, podIP string, id tyne.ID) (transport.Wire, error)
}

// Config holds the dependencies of a Pool.
type Config struct {
	Client     kubernetes.Interface
	Clock      clock.Clock
	Dialer     Dialer
	Namespace  string
	Image      string
	VersionTag string
	ShardIndex int
	TargetSize int

	RefillInterval time.Duration
}

// Validate returns an error for a misconfigured pool.
func (config Config) Validate() error {
	if config.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Dialer == nil {
		return errors.NotValidf("nil Dialer")
	}
	if config.Namespace == "" {
		return errors.NotValidf("empty Namespace")
	}
	if config.Image == "" {
		return errors.NotValidf("empty Image")
	}
	if config.TargetSize < 0 {
		return errors.NotValidf("TargetSize %d", config.TargetSize)
	}
	return nil
}

// Pool is the warm pod pool worker.
type Pool struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewPool starts a pool worker.
func NewPool(config Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RefillInterval <= 0 {
		config.RefillInterval = DefaultRefillInterval
	}
	p := &Pool{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "kernel-pod-pool",
		Site: &p.catacomb,
		Work: p.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Pool) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Pool) Wait() error {
	return p.catacomb.Wait()
}

func (p *Pool) loop() error {
	for {
		if err := p.Reconcile(context.Background()); err != nil {
			logger.Errorf("pool reconcile: %v", err)
		}
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()
		case <-p.config.Clock.After(p.config.RefillInterval):
		}
	}
}

// Reconcile evicts stale pods and refills the ready set.
func (p *Pool) Reconcile(ctx context.Context) error {
	pods, err := p.listPoolPods(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	ready := 0
	now := p.config.Clock.Now()
	for _, pod := range pods.Items {
		switch {
		case pod.Labels[labelAssigned] == "true":
			continue
		case pod.Labels[labelVersionTag] != p.config.VersionTag:
			logger.Infof("evicting pod %s: stale version %q", pod.Name, pod.Labels[labelVersionTag])
			p.deletePod(ctx, pod.Name)
		case now.Sub(pod.CreationTimestamp.Time) > MaxPodAge:
			logger.Infof("evicting pod %s: over age", pod.Name)
			p.deletePod(ctx, pod.Name)
		case pod.Status.Phase == core.PodFailed || pod.Status.Phase == core.PodSucceeded:
			p.deletePod(ctx, pod.Name)
		default:
			ready++
		}
	}
	for i := ready; i < p.config.TargetSize; i++ {
		if _, err := p.createPod(ctx); err != nil {
			return errors.Annotate(err, "refilling pool")
		}
	}
	return nil
}

// Get drains one warm pod from the pool and dials it. A pod that does
// not answer is deleted and the next one tried; an empty or fully dead
// pool falls back to a dedicated pod.
func (p *Pool) Get(ctx context.Context, id tyne.ID) (transport.Wire, error) {
	pods, err := p.listPoolPods(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, pod := range pods.Items {
		if pod.Labels[labelAssigned] == "true" ||
			pod.Labels[labelVersionTag] != p.config.VersionTag ||
			pod.Status.Phase != core.PodRunning {
			continue
		}
		if err := p.assignPod(ctx, &pod); err != nil {
			// Lost the race for this pod; try the next.
			logger.Debugf("assigning pod %s: %v", pod.Name, err)
			continue
		}
		wire, err := p.config.Dialer.Dial(ctx, pod.Status.PodIP, id)
		if err != nil {
			// Liveness fallback: the pod looked ready but does not
			// answer.
			logger.Warningf("pod %s not answering, deleting: %v", pod.Name, err)
			p.deletePod(ctx, pod.Name)
			continue
		}
		logger.Infof("assigned warm pod %s to tyne %s", pod.Name, id)
		return wire, nil
	}
	logger.Infof("pool empty, provisioning dedicated pod for %s", id)
	return p.GetNew(ctx, id)
}

// GetNew provisions a dedicated pod, bypassing the warm pool, and
// waits for it to reach Running within the ready deadline.
func (p *Pool) GetNew(ctx context.Context, id tyne.ID) (transport.Wire, error) {
	pod, err := p.createPod(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := p.markAssigned(ctx, pod.Name); err != nil {
		return nil, errors.Trace(err)
	}

	strategy := retry.LimitTime(ReadyDeadline, retry.Exponential{
		Initial:  500 * time.Millisecond,
		Factor:   1.5,
		MaxDelay: 10 * time.Second,
	})
	var running *core.Pod
	for a := retry.StartWithCancel(strategy, p.config.Clock, ctx.Done()); a.Next(); {
		got, err := p.config.Client.CoreV1().Pods(p.config.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		if err != nil {
			if k8serrors.IsNotFound(err) {
				continue
			}
			return nil, errors.Trace(err)
		}
		if got.Status.Phase == core.PodRunning {
			running = got
			break
		}
	}
	if running == nil {
		p.deletePod(ctx, pod.Name)
		return nil, errors.Timeoutf("pod %s never reached Running", pod.Name)
	}
	wire, err := p.config.Dialer.Dial(ctx, running.Status.PodIP, id)
	if err != nil {
		p.deletePod(ctx, pod.Name)
		return nil, errors.Annotatef(err, "dialing pod %s", pod.Name)
	}
	return wire, nil
}

// Provision implements kernel.Provisioner.
func (p *Pool) Provision(ctx context.Context, id tyne.ID, fresh bool) (transport.Wire, error) {
	if fresh {
		return p.GetNew(ctx, id)
	}
	return p.Get(ctx, id)
}

func (p *Pool) listPoolPods(ctx context.Context) (*core.PodList, error) {
	return p.config.Client.CoreV1().Pods(p.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%d", labelApp, labelAppValue, labelShardIndex, p.config.ShardIndex),
	})
}

func (p *Pool) createPod(ctx context.Context) (*core.Pod, error) {
	pod := &core.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-%s", labelAppValue, uuid.NewString()[:8]),
			Namespace: p.config.Namespace,
			Labels: map[string]string{
				labelApp:        labelAppValue,
				labelVersionTag: p.config.VersionTag,
				labelShardIndex: strconv.Itoa(p.config.ShardIndex),
				labelAssigned:   "false",
			},
			CreationTimestamp: metav1.NewTime(p.config.Clock.Now()),
		},
		Spec: core.PodSpec{
			RestartPolicy: core.RestartPolicyNever,
			Containers: []core.Container{{
				Name:  "kernel",
				Image: p.config.Image,
				Ports: []core.ContainerPort{{
					Name:          "kernel",
					ContainerPort: 8765,
					Protocol:      core.ProtocolTCP,
				}},
			}},
		},
	}
	created, err := p.config.Client.CoreV1().Pods(p.config.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, errors.Annotate(err, "creating kernel pod")
	}
	return created, nil
}

func (p *Pool) assignPod(ctx context.Context, pod *core.Pod) error {
	pod.Labels[labelAssigned] = "true"
	_, err := p.config.Client.CoreV1().Pods(p.config.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
	return errors.Trace(err)
}

func (p *Pool) markAssigned(ctx context.Context, name string) error {
	pod, err := p.config.Client.CoreV1().Pods(p.config.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return errors.Trace(err)
	}
	return p.assignPod(ctx, pod)
}

func (p *Pool) deletePod(ctx context.Context, name string) {
	err := p.config.Client.CoreV1().Pods(p.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		logger.Warningf("deleting pod %s: %v", name, err)
	}
}
