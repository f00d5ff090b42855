package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-supervice/supervice/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNew_NoneReturnsNilProber(t *testing.T) {
	p, err := New(config.HealthCheckConfig{Type: config.HealthCheckNone})
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestTCPProber_Succeeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	p, err := New(config.HealthCheckConfig{Type: config.HealthCheckTCP, Host: "127.0.0.1", Port: addr.Port})
	require.NoError(t, err)

	res := p.Probe(context.Background())
	require.True(t, res.Healthy)
}

func TestTCPProber_FailsWhenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p, err := New(config.HealthCheckConfig{Type: config.HealthCheckTCP, Host: "127.0.0.1", Port: port})
	require.NoError(t, err)

	res := p.Probe(context.Background())
	require.False(t, res.Healthy)
}

func TestScriptProber_ExitCode(t *testing.T) {
	p, err := New(config.HealthCheckConfig{Type: config.HealthCheckScript, Command: []string{"/bin/true"}})
	require.NoError(t, err)
	require.True(t, p.Probe(context.Background()).Healthy)

	p2, err := New(config.HealthCheckConfig{Type: config.HealthCheckScript, Command: []string{"/bin/false"}})
	require.NoError(t, err)
	require.False(t, p2.Probe(context.Background()).Healthy)
}

func TestLoop_ThresholdCrossingAndRecovery(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close()) // nothing listening: every probe fails

	cfg := config.HealthCheckConfig{
		Type:     config.HealthCheckTCP,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
		Retries:  3,
	}
	p, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	events := make(chan Event, 16)
	go Loop(ctx, p, cfg, func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})

	var crossed bool
	deadline := time.After(400 * time.Millisecond)
	for !crossed {
		select {
		case ev := <-events:
			if ev.ThresholdCrossed {
				crossed = true
			}
		case <-deadline:
			t.Fatal("threshold crossing not observed")
		}
	}
}
