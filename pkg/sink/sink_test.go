package sink

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/video-system/go-video-streamer/pkg/pipeline"
	"github.com/video-system/go-video-streamer/pkg/pipeline/pipelinetest"
	"github.com/video-system/go-video-streamer/pkg/settings"
)

func setup(t *testing.T) (*Controller, *pipelinetest.Graph, *[]Transition) {
	t.Helper()
	channels := []settings.ChannelSettings{
		{Index: 0, Enabled: true, Destination: "rtmp://a/live/0"},
		{Index: 1, Enabled: true, Destination: "rtmp://a/live/1"},
	}
	e := &pipelinetest.Engine{}
	g, err := e.Build(pipeline.GraphSpec{Channels: channels})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	c := NewController(zaptest.NewLogger(t))
	var trs []Transition
	c.OnTransition(func(tr Transition) { trs = append(trs, tr) })
	c.Reset(channels)
	return c, g.(*pipelinetest.Graph), &trs
}

func TestFailEntersRetryingOnce(t *testing.T) {
	c, _, trs := setup(t)

	if !c.Fail(0, errors.New("connection refused")) {
		t.Fatal("first failure should schedule a retry")
	}
	if c.Fail(0, errors.New("connection refused")) {
		t.Error("second failure should not schedule another retry")
	}

	ep, _ := c.Endpoint(0)
	if ep.State != StateRetrying || ep.Failures != 2 {
		t.Errorf("unexpected endpoint %+v", ep)
	}
	if len(*trs) != 1 {
		t.Errorf("expected one transition, got %v", *trs)
	}
}

func TestFailIsolatedToChannel(t *testing.T) {
	c, g, _ := setup(t)
	c.Fail(0, errors.New("broken pipe"))

	other, _ := c.Endpoint(1)
	if other.State != StateHealthy || other.Failures != 0 {
		t.Errorf("channel 1 changed: %+v", other)
	}
	if len(g.Calls()) != 0 {
		t.Errorf("failure alone must not touch the graph: %v", g.Calls())
	}
}

func TestRetryRestartsOnlyItsSink(t *testing.T) {
	c, g, trs := setup(t)
	c.Fail(1, errors.New("broken pipe"))

	if err := c.Retry(g, 1); err != nil {
		t.Fatalf("retry: %v", err)
	}

	want := []string{"location 1 rtmp://a/live/1", "restart-sink 1"}
	if got := g.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	ep, _ := c.Endpoint(1)
	if ep.State != StateHealthy || ep.Attempts != 1 {
		t.Errorf("unexpected endpoint %+v", ep)
	}
	if last := (*trs)[len(*trs)-1]; last.To != StateHealthy {
		t.Errorf("expected healthy transition, got %+v", last)
	}
}

func TestRetryFailureStaysRetrying(t *testing.T) {
	c, g, _ := setup(t)
	c.Fail(0, errors.New("broken pipe"))
	g.RestartErr[0] = errors.New("state change failed")

	if err := c.Retry(g, 0); err == nil {
		t.Fatal("expected error")
	}
	if !c.Retrying(0) {
		t.Error("endpoint should still be retrying")
	}
}

func TestRetryHealthyIsNoop(t *testing.T) {
	c, g, _ := setup(t)
	if err := c.Retry(g, 0); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(g.Calls()) != 0 {
		t.Errorf("expected no calls, got %v", g.Calls())
	}
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := TCPProber{Address: ln.Addr().String(), Timeout: time.Second}
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	addr := ln.Addr().String()
	ln.Close()
	p = TCPProber{Address: addr, Timeout: time.Second}
	if err := p.Probe(context.Background()); err == nil {
		t.Error("expected probe to fail on a closed port")
	}
}
