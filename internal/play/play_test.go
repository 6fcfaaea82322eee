package play

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/orcherr"
	"github.com/signalfx/maestro-ng/internal/reconcile"
)

// fakeApplier records the order and overlap of container tasks.
type fakeApplier struct {
	mu       sync.Mutex
	sequence []string
	inflight int
	maxSeen  int
	delay    time.Duration
	failFor  map[string]error
	statuses map[string]reconcile.Status
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{failFor: map[string]error{}, statuses: map[string]reconcile.Status{}}
}

func (f *fakeApplier) Apply(ctx context.Context, action reconcile.Action, c *model.Container) (reconcile.Status, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	f.sequence = append(f.sequence, c.FullName())
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()

	if err, ok := f.failFor[c.FullName()]; ok {
		return reconcile.StatusFailed, err
	}
	if status, ok := f.statuses[c.FullName()]; ok {
		return status, nil
	}
	return reconcile.StatusDone, nil
}

func (f *fakeApplier) indexOf(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sequence {
		if s == name {
			return i
		}
	}
	return -1
}

// chainEnv builds zookeeper <- kafka <- consumer, one instance each, plus
// two independent singleton services x and y.
func chainEnv() *model.Environment {
	ship := &model.Ship{Name: "a", Address: "10.0.0.1"}
	mk := func(name string, requires ...*model.Service) *model.Service {
		svc := &model.Service{Name: name, Image: "acme/" + name + ":1", Requires: requires}
		inst := &model.Container{Name: name + "-1", Service: svc, Ship: ship}
		svc.Containers = []*model.Container{inst}
		return svc
	}
	zk := mk("zookeeper")
	kafka := mk("kafka", zk)
	consumer := mk("consumer", kafka)
	x := mk("x")
	y := mk("y")
	return &model.Environment{
		Name:  "test",
		Ships: map[string]*model.Ship{"a": ship},
		Services: map[string]*model.Service{
			"zookeeper": zk, "kafka": kafka, "consumer": consumer, "x": x, "y": y,
		},
	}
}

func containersOf(env *model.Environment, services ...string) []*model.Container {
	var out []*model.Container
	for _, s := range services {
		out = append(out, env.Services[s].Containers...)
	}
	return out
}

func TestForwardOrderRespectsHardEdges(t *testing.T) {
	env := chainEnv()
	applier := newFakeApplier()
	p := New(env, applier, nil, nil, Options{WithDependencies: true})

	results, err := p.Run(context.Background(), reconcile.ActionStart, containersOf(env, "consumer"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results (deps pulled in), got %d", len(results))
	}
	zk, kafka, consumer := applier.indexOf("zookeeper.zookeeper-1"), applier.indexOf("kafka.kafka-1"), applier.indexOf("consumer.consumer-1")
	if !(zk < kafka && kafka < consumer) {
		t.Fatalf("dependency order violated: %v", applier.sequence)
	}
}

func TestReverseOrderForStop(t *testing.T) {
	env := chainEnv()
	applier := newFakeApplier()
	p := New(env, applier, nil, nil, Options{WithDependencies: true})

	_, err := p.Run(context.Background(), reconcile.ActionStop, containersOf(env, "kafka", "zookeeper"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	kafka, zk := applier.indexOf("kafka.kafka-1"), applier.indexOf("zookeeper.zookeeper-1")
	if !(kafka < zk) {
		t.Fatalf("stop must tear down dependents first: %v", applier.sequence)
	}
}

func TestConcurrencyCapHolds(t *testing.T) {
	env := chainEnv()
	// five independent containers in one service so they share a layer.
	svc := env.Services["x"]
	ship := env.Ships["a"]
	for i := 2; i <= 5; i++ {
		svc.Containers = append(svc.Containers, &model.Container{
			Name: svc.Name + "-" + string(rune('0'+i)), Service: svc, Ship: ship,
		})
	}

	applier := newFakeApplier()
	applier.delay = 50 * time.Millisecond
	p := New(env, applier, nil, nil, Options{Concurrency: 2})

	_, err := p.Run(context.Background(), reconcile.ActionStart, svc.Containers)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if applier.maxSeen > 2 {
		t.Fatalf("concurrency cap exceeded: saw %d in-flight", applier.maxSeen)
	}
}

func TestIgnoreOrderCollapsesLayers(t *testing.T) {
	env := chainEnv()
	applier := newFakeApplier()
	applier.delay = 30 * time.Millisecond
	p := New(env, applier, nil, nil, Options{WithDependencies: true, IgnoreOrder: true})

	_, err := p.Run(context.Background(), reconcile.ActionStart, containersOf(env, "zookeeper", "kafka", "consumer"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// with ordering off, the chain overlaps.
	if applier.maxSeen < 2 {
		t.Fatalf("expected overlapping tasks with ignoreOrder, max in-flight was %d", applier.maxSeen)
	}
}

func TestPartialFailureDrainsLayerThenAborts(t *testing.T) {
	env := chainEnv()
	applier := newFakeApplier()
	applier.failFor["x.x-1"] = orcherr.Newf(orcherr.KindDaemon, "x-1", "create rejected: 500")
	p := New(env, applier, nil, nil, Options{})

	// x and y are independent: same layer. consumer depends on kafka; but
	// selection here is only x, y.
	results, err := p.Run(context.Background(), reconcile.ActionStart, containersOf(env, "x", "y"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results["x.x-1"].Status != reconcile.StatusFailed {
		t.Errorf("x should fail, got %s", results["x.x-1"].Status)
	}
	if results["y.y-1"].Status != reconcile.StatusDone {
		t.Errorf("y should complete despite x failing, got %s", results["y.y-1"].Status)
	}
	if !Failed(results) {
		t.Error("play must report failure")
	}
	if !orcherr.Is(results["x.x-1"].Err, orcherr.KindDaemon) {
		t.Errorf("expected DaemonError on x, got %v", results["x.x-1"].Err)
	}
}

func TestFailureStopsLaterLayers(t *testing.T) {
	env := chainEnv()
	applier := newFakeApplier()
	applier.failFor["zookeeper.zookeeper-1"] = errors.New("boom")
	p := New(env, applier, nil, nil, Options{WithDependencies: true})

	results, err := p.Run(context.Background(), reconcile.ActionStart, containersOf(env, "consumer"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if applier.indexOf("kafka.kafka-1") != -1 {
		t.Error("kafka must not be dispatched after its dependency failed")
	}
	if res := results["kafka.kafka-1"]; !orcherr.Is(res.Err, orcherr.KindCancelled) {
		t.Errorf("undispatched container should be cancelled, got %+v", res)
	}
}

func TestCancelledContextStopsNewLayers(t *testing.T) {
	env := chainEnv()
	applier := newFakeApplier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(env, applier, nil, nil, Options{WithDependencies: true})

	results, err := p.Run(ctx, reconcile.ActionStart, containersOf(env, "consumer"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for name, res := range results {
		if !orcherr.Is(res.Err, orcherr.KindCancelled) {
			t.Errorf("%s should be cancelled, got %+v", name, res)
		}
	}
	if len(applier.sequence) != 0 {
		t.Errorf("no tasks should run under a cancelled context: %v", applier.sequence)
	}
}

func TestAlreadyResultsDoNotAbort(t *testing.T) {
	env := chainEnv()
	applier := newFakeApplier()
	applier.statuses["zookeeper.zookeeper-1"] = reconcile.StatusAlready
	applier.statuses["kafka.kafka-1"] = reconcile.StatusAlready
	p := New(env, applier, nil, nil, Options{WithDependencies: true})

	results, err := p.Run(context.Background(), reconcile.ActionStart, containersOf(env, "kafka"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for name, res := range results {
		if res.Status != reconcile.StatusAlready {
			t.Errorf("%s = %s, want already", name, res.Status)
		}
	}
	if Failed(results) {
		t.Error("already results must not fail the play")
	}
}
