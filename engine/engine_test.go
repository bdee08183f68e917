package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccmlink/backend"
	"ccmlink/backendtest"
	"ccmlink/config"
	"ccmlink/derive"
	"ccmlink/poller"
	"ccmlink/tags"
)

func testConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = baseURL
	cfg.Backend.Timeout = time.Second
	cfg.PollRate = 20 * time.Millisecond
	cfg.MultiPollRate = 20 * time.Millisecond
	cfg.Efficiency.PollRate = 20 * time.Millisecond
	cfg.MotorStream.ReconnectDelay = 50 * time.Millisecond
	return cfg
}

func seedPanels(srv *backendtest.Server) {
	srv.SetTimestamp("2024-05-01T10:00:00Z")
	srv.SetTag("ccm1", "CCM1_FATOR_POTENCIA", tags.Number(0.9))
	srv.SetTag("ccm1", "CCM1_POTENCIA", tags.Number(10))
	srv.SetTag("ccm1", "CCM1_STATUS_EMERGENCIA", tags.Bool(false))
	srv.SetTag("ccm1", "CCM1_M1_S", tags.Bool(true))
	srv.SetTag("ccm1", "CCM1_M1_A", tags.Number(12.5))
	srv.SetTag("ccm2", "CCM2_FATOR_POTENCIA", tags.Number(0.8))
	srv.SetTag("ccm2", "CCM2_POTENCIA", tags.Number(5))
	srv.SetTag("ccm2", "CCM2_M1_F", tags.Number(1))
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e := New(Config{AppConfig: cfg, LogFunc: t.Logf})
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	return e
}

func waitSummary(t *testing.T, e *Engine) derive.Summary {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := e.Summary()
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	s, _ := e.Summary()
	return s
}

func TestEngine_SummaryAndStatuses(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	e := startEngine(t, testConfig(srv.URL))

	require.Eventually(t, func() bool {
		st, ok := e.Unified()
		return ok && st.State == poller.StateReady
	}, 3*time.Second, 10*time.Millisecond)

	s := waitSummary(t, e)
	assert.InDelta(t, 15.0, s.TotalPower, 1e-9)
	require.NotNil(t, s.PowerFactorAvg)
	assert.InDelta(t, 0.85, *s.PowerFactorAvg, 1e-9)
	assert.Equal(t, 1, s.MotorTally.Active)
	assert.Equal(t, 1, s.MotorTally.Fault)

	names := make([]string, 0)
	for _, st := range e.Statuses() {
		names = append(names, st.Name)
	}
	assert.ElementsMatch(t, []string{poller.AllPanels, "panel:ccm1", "panel:ccm2"}, names)
}

func TestEngine_AlarmTransitions(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	e := startEngine(t, testConfig(srv.URL))

	var mu sync.Mutex
	var raised, cleared []string
	e.Events.SubscribeTypes(func(ev Event) {
		a := ev.Payload.(AlarmEvent).Alarm
		mu.Lock()
		defer mu.Unlock()
		if ev.Type == EventAlarmRaised {
			raised = append(raised, a.ID)
		} else {
			cleared = append(cleared, a.ID)
		}
	}, EventAlarmRaised, EventAlarmCleared)

	waitSummary(t, e)
	assert.Empty(t, e.Alarms())

	srv.SetTag("ccm1", "CCM1_STATUS_EMERGENCIA", tags.Bool(true))
	require.Eventually(t, func() bool { return len(e.Alarms()) == 1 }, 3*time.Second, 10*time.Millisecond)
	alarm := e.Alarms()[0]
	assert.Equal(t, "CCM1-emergencia", alarm.ID)
	assert.Equal(t, derive.SeverityEmergency, alarm.Severity)

	srv.SetTag("ccm1", "CCM1_STATUS_EMERGENCIA", tags.Bool(false))
	require.Eventually(t, func() bool { return len(e.Alarms()) == 0 }, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cleared) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CCM1-emergencia"}, raised)
	assert.Equal(t, []string{"CCM1-emergencia"}, cleared)
}

func TestEngine_PanelDown(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	srv.SetDown("ccm2", true)
	e := startEngine(t, testConfig(srv.URL))

	require.Eventually(t, func() bool {
		st, ok := e.Status("panel:ccm2")
		return ok && st.State == poller.StateReadyError
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, _ := e.Unified()
		return st.State == poller.StateReadyWarning
	}, 3*time.Second, 10*time.Millisecond)
	st, _ := e.Unified()
	assert.Equal(t, []string{"ccm2"}, st.FailedPanels)
}

func TestEngine_Command(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	e := startEngine(t, testConfig(srv.URL))
	ctx := context.Background()

	var events []CommandEvent
	var mu sync.Mutex
	e.Events.SubscribeTypes(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Payload.(CommandEvent))
		mu.Unlock()
	}, EventCommand)

	require.NoError(t, e.Command(ctx, CommandRequest{Panel: "ccm1", Command: "RESET", Source: "api"}))
	require.NoError(t, e.Command(ctx, CommandRequest{Command: "clear-emergency", Source: "tui"}))
	require.NoError(t, e.Command(ctx, CommandRequest{Panel: "ccm2", Command: CommandConsumptionReset, Source: "api"}))
	assert.Equal(t, []string{"reset ccm1", "clear_emergency", "consumption_reset ccm2"}, srv.Commands())

	err := e.Command(ctx, CommandRequest{Panel: "ccm9", Command: CommandEmergency})
	assert.True(t, errors.Is(err, ErrUnknownPanel))

	err = e.Command(ctx, CommandRequest{Panel: "ccm1", Command: "explode"})
	assert.True(t, errors.Is(err, ErrInvalidCommand))

	srv.SetCommandsFail(true)
	assert.Error(t, e.Command(ctx, CommandRequest{Panel: "ccm1", Command: CommandEmergency}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	assert.Equal(t, CommandReset, events[0].Command)
	assert.Equal(t, "tui", events[1].Source)
	assert.Error(t, events[3].Err)
}

func TestEngine_CommandNotStarted(t *testing.T) {
	e := New(Config{AppConfig: config.DefaultConfig()})
	err := e.Command(context.Background(), CommandRequest{Panel: "ccm1", Command: CommandReset})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngine_ConsumptionResetDate(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	e := startEngine(t, testConfig(srv.URL))

	date, err := e.ConsumptionResetDate(context.Background(), "ccm1")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T00:00:00Z", date)

	_, err = e.ConsumptionResetDate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownPanel)
}

func TestEngine_Panel(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	e := startEngine(t, testConfig(srv.URL))

	require.Eventually(t, func() bool {
		ps, err := e.Panel("ccm1")
		return err == nil && ps.Status.State == poller.StateReady
	}, 3*time.Second, 10*time.Millisecond)

	ps, err := e.Panel("ccm1")
	require.NoError(t, err)
	assert.Equal(t, "CCM 1", ps.View.Name)
	assert.NotEmpty(t, ps.View.Readings)

	_, err = e.Panel("ccm3")
	assert.ErrorIs(t, err, ErrUnknownPanel)
}

func TestEngine_MotorsFallbackToTags(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	cfg := testConfig(srv.URL)
	cfg.MotorStream.Enabled = false
	e := startEngine(t, cfg)

	waitSummary(t, e)
	view := e.Motors()
	assert.Equal(t, "tags", view.Source)
	require.Len(t, view.Panels["ccm1"], 1)
	assert.Equal(t, derive.MotorOn, view.Panels["ccm1"][0].Status)
	assert.Equal(t, derive.MotorCounts{Active: 1, Fault: 1}, view.Counts)
	assert.Equal(t, view.Counts, view.PanelCounts["ccm1"].Add(view.PanelCounts["ccm2"]))
}

func TestEngine_MotorStream(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	srv.SetMotors([]backend.MotorOverview{
		{Name: "Esteira 1", CCM: "ccm1", Status: 1, Current: 10},
		{Name: "Esteira 2", CCM: "ccm2", Fault: 1},
		{Name: "Esteira 3", CCM: "ccm2"},
	})
	e := startEngine(t, testConfig(srv.URL))

	require.Eventually(t, func() bool { return e.Motors().Source == "stream" }, 3*time.Second, 10*time.Millisecond)
	view := e.Motors()
	assert.Equal(t, derive.MotorCounts{Active: 1, Fault: 1, Off: 1}, view.Counts)
	assert.Len(t, view.Panels["ccm2"], 2)
	assert.Equal(t, derive.MotorCounts{Fault: 1, Off: 1}, view.PanelCounts["ccm2"])
	assert.Equal(t, derive.MotorCounts{Active: 1}, view.PanelCounts["ccm1"])
}

func TestEngine_Efficiency(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	srv.SetEfficiency("productive", backend.Efficiency{OverallEfficiency: 0.75, ActiveProductiveMotorsCount: 3})
	e := startEngine(t, testConfig(srv.URL))

	require.Eventually(t, func() bool {
		_, ok, _ := e.Efficiency(backend.EfficiencyProductive)
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	eff, _, err := e.Efficiency(backend.EfficiencyProductive)
	require.NoError(t, err)
	assert.Equal(t, 3, eff.ActiveProductiveMotorsCount)

	require.Eventually(t, func() bool {
		_, ok, err := e.Efficiency(backend.EfficiencyEnergy)
		return !ok && err != nil
	}, 3*time.Second, 10*time.Millisecond, "energy report is not served")

	_, _, err = e.Efficiency("bogus")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiffAlarms(t *testing.T) {
	a := derive.Alarm{ID: "CCM1-emergencia"}
	b := derive.Alarm{ID: "CCM1-falta-fase"}
	c := derive.Alarm{ID: "CCM2-super-aquecimento"}

	tests := []struct {
		name        string
		prev        []derive.Alarm
		cur         []derive.Alarm
		wantRaised  []derive.Alarm
		wantCleared []derive.Alarm
	}{
		{"none", nil, nil, nil, nil},
		{"raise", nil, []derive.Alarm{a, b}, []derive.Alarm{a, b}, nil},
		{"steady", []derive.Alarm{a}, []derive.Alarm{a}, nil, nil},
		{"clear sorted", []derive.Alarm{c, a, b}, nil, nil, []derive.Alarm{a, b, c}},
		{"swap", []derive.Alarm{a}, []derive.Alarm{c}, []derive.Alarm{c}, []derive.Alarm{a}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prev := make(map[string]derive.Alarm)
			for _, al := range tc.prev {
				prev[al.ID] = al
			}
			raised, cleared := diffAlarms(prev, tc.cur)
			assert.Equal(t, tc.wantRaised, raised)
			assert.Equal(t, tc.wantCleared, cleared)
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{"reset", CommandReset, false},
		{" Emergency ", CommandEmergency, false},
		{"clear-emergency", CommandClearEmergency, false},
		{"CONSUMPTION_RESET", CommandConsumptionReset, false},
		{"", "", true},
		{"stop", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseCommand(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	assert.False(t, CommandClearEmergency.PanelScoped())
	assert.True(t, CommandReset.PanelScoped())
}

func TestEngine_Services(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	cfg := testConfig(srv.URL)
	cfg.Efficiency.Enabled = false
	cfg.MotorStream.Enabled = false
	cfg.MQTT = []config.MQTTConfig{{Name: "plant", Broker: "127.0.0.1", Port: 1}}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))

	e := New(Config{AppConfig: cfg, ConfigPath: path, LogFunc: t.Logf})
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)

	var mu sync.Mutex
	var stopped []ServiceEvent
	e.Events.SubscribeTypes(func(ev Event) {
		mu.Lock()
		stopped = append(stopped, ev.Payload.(ServiceEvent))
		mu.Unlock()
	}, EventServiceStopped)

	services := e.Services()
	require.Len(t, services, 1)
	assert.Equal(t, ServiceInfo{
		Kind: ServiceMQTT, Name: "plant", Status: "Stopped", Address: "tcp://127.0.0.1:1",
	}, services[0])

	require.NoError(t, e.StopService(ServiceMQTT, "plant"))
	mu.Lock()
	assert.Equal(t, []ServiceEvent{{Kind: ServiceMQTT, Name: "plant"}}, stopped)
	mu.Unlock()

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.FindMQTT("plant"))
	assert.False(t, loaded.FindMQTT("plant").Enabled)

	assert.False(t, e.Services()[0].Enabled)

	assert.ErrorIs(t, e.StopService(ServiceValkey, "nope"), ErrNotFound)
	assert.ErrorIs(t, e.StartService("ftp", "plant"), ErrNotFound)
	assert.ErrorIs(t, e.TestFireWebhook("nope"), ErrNotFound)
}

// Toggling publishers while the engine's startup goroutines run must not
// touch state those goroutines read. Run with -race.
func TestEngine_ServicesToggleDuringStartup(t *testing.T) {
	srv := backendtest.NewServer(t)
	seedPanels(srv)
	cfg := testConfig(srv.URL)
	cfg.Efficiency.Enabled = false
	cfg.MotorStream.Enabled = false
	cfg.MQTT = []config.MQTTConfig{{Name: "plant", Broker: "127.0.0.1", Port: 1}}
	cfg.Valkey = []config.ValkeyConfig{{Name: "cache", Address: "127.0.0.1:1"}}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))

	e := New(Config{AppConfig: cfg, ConfigPath: path, LogFunc: t.Logf})
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 4; i++ {
			assert.NoError(t, e.StopService(ServiceMQTT, "plant"))
			assert.NoError(t, e.StopService(ServiceValkey, "cache"))
		}
	}()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, e.Services(), 2)
		}()
	}
	wg.Wait()

	for _, svc := range e.Services() {
		assert.False(t, svc.Enabled, svc.Name)
	}
	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, loaded.FindValkey("cache").Enabled)
}
