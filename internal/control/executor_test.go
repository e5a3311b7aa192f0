package control

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PixPMusic/mioc-router/internal/device"
	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/PixPMusic/mioc-router/internal/routing"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu    sync.Mutex
	state device.State
	calls []string
	fail  error
}

func (d *fakeDevice) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return d.fail
}

func (d *fakeDevice) Connect(ctx context.Context, c mioc.Connection) error {
	return d.record("connect " + c.String())
}

func (d *fakeDevice) Disconnect(ctx context.Context, c mioc.Connection) error {
	return d.record("disconnect " + c.String())
}

func (d *fakeDevice) ConnectMany(ctx context.Context, list []mioc.Connection) error {
	for _, c := range list {
		if err := d.Connect(ctx, c); err != nil {
			return err
		}
		d.mu.Lock()
		d.state.Connections = append(d.state.Connections, c)
		d.mu.Unlock()
	}
	return nil
}

func (d *fakeDevice) DisconnectMany(ctx context.Context, list []mioc.Connection) error {
	for _, c := range list {
		if err := d.Disconnect(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (d *fakeDevice) DisconnectAll(ctx context.Context) error { return d.record("disconnect all") }

func (d *fakeDevice) AddVelocityProcessors(ctx context.Context, list []mioc.VelocityProcessor) error {
	if err := d.record("velocity"); err != nil {
		return err
	}
	d.mu.Lock()
	d.state.VelocityProcessors = append(d.state.VelocityProcessors, list...)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) RemoveVelocityProcessors(ctx context.Context, list []mioc.VelocityProcessor) error {
	return d.record("unvelocity")
}

func (d *fakeDevice) InitializeFilters(ctx context.Context) error { return d.record("filters") }
func (d *fakeDevice) Reset(ctx context.Context) error             { return d.record("reset") }
func (d *fakeDevice) Initialize(ctx context.Context) error        { return d.record("init") }

func (d *fakeDevice) QueryPortAddress(ctx context.Context) (bool, error) {
	return true, d.record("port")
}

func (d *fakeDevice) QueryDeviceName(ctx context.Context) (string, error) {
	return "PMM-88E", d.record("name")
}

func (d *fakeDevice) QueryPortNames(ctx context.Context) (device.PortNames, error) {
	var names device.PortNames
	names.In[0] = "Tap 1"
	return names, d.record("ports")
}

func (d *fakeDevice) State() device.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

func (d *fakeDevice) SetTarget(t device.Target) {
	d.mu.Lock()
	d.state.Target = t
	d.mu.Unlock()
}

func (d *fakeDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type fakeSink struct {
	sent [][]byte
}

func (s *fakeSink) Send(data []byte) error {
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

type fakePulser struct {
	widths []time.Duration
}

func (p *fakePulser) Pulse(width time.Duration) (uint64, error) {
	p.widths = append(p.widths, width)
	return 42, nil
}

func newExecutor(dev *fakeDevice) (*Executor, *routing.Table, *fakePulser) {
	exec, table, pulser, _ := newExecutorWithSink(dev)
	return exec, table, pulser
}

func newExecutorWithSink(dev *fakeDevice) (*Executor, *routing.Table, *fakePulser, *fakeSink) {
	table := routing.NewTable()
	pulser := &fakePulser{}
	sink := &fakeSink{}
	exec := NewExecutor(Options{
		Device:     dev,
		Table:      table,
		Out:        sink,
		Pulser:     pulser,
		PulseWidth: time.Millisecond,
		Scripts: map[string][]string{
			"start": {"# warm up", "filters", "connect {\"in_port\":1,\"in_channel\":0,\"out_port\":8,\"out_channel\":15}"},
			"loop":  {"run start"},
			"bad":   {"filters", "query sideways"},
		},
		Timeout: time.Second,
	})
	return exec, table, pulser, sink
}

func TestParseLine(t *testing.T) {
	cmd, err := ParseLine("  CONNECT   {\"in_port\":1}  ")
	require.NoError(t, err)
	assert.Equal(t, CommandConnect, cmd.Type)
	assert.Equal(t, `{"in_port":1}`, cmd.Code)

	cmd, err = ParseLine("state")
	require.NoError(t, err)
	assert.Equal(t, Command{Type: CommandState}, cmd)
	assert.Equal(t, "state", cmd.String())

	_, err = ParseLine("   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)
	_, err = ParseLine("# comment")
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestConnectSingleAndList(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	out, err := exec.ExecuteLine(`connect {"in_port":1,"in_channel":0,"out_port":2,"out_channel":3}`)
	require.NoError(t, err)
	assert.Equal(t, "connected 1", out)

	out, err = exec.ExecuteLine(`connect [{"in_port":1,"in_channel":0,"out_port":2,"out_channel":3},{"in_port":2,"in_channel":3,"out_port":8,"out_channel":15,"weight":0.5}]`)
	require.NoError(t, err)
	assert.Equal(t, "connected 2", out)

	st := dev.State()
	require.Len(t, st.Connections, 3)
	assert.Equal(t, 1.0, st.Connections[0].Weight, "absent weight defaults to unit")
	assert.Equal(t, 0.5, st.Connections[2].Weight)
}

func TestDisconnectAll(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	out, err := exec.ExecuteLine("disconnect all")
	require.NoError(t, err)
	assert.Equal(t, "disconnected all", out)
	assert.Equal(t, []string{"disconnect all"}, dev.Calls())

	_, err = exec.ExecuteLine("connect all")
	assert.Error(t, err)
}

func TestInvalidArgumentsAreRejectedBeforeTheDevice(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	for _, line := range []string{
		"connect",
		"connect []",
		"connect {not json}",
		`connect {"in_port":9,"in_channel":0,"out_port":1,"out_channel":0}`,
		`velocity {"port":1,"channel":0,"direction":0,"position":9}`,
		"filters now",
		"query everything",
		"target sideways",
		"sleep -1",
		"pulse {\"width_ms\":0}",
	} {
		_, err := exec.ExecuteLine(line)
		assert.Error(t, err, line)
	}
	assert.Empty(t, dev.Calls())
}

func TestVelocityDefaultsToIdentity(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	out, err := exec.ExecuteLine(`velocity {"port":2,"channel":0,"direction":0,"position":0,"offset":5}`)
	require.NoError(t, err)
	assert.Equal(t, "1 velocity processors", out)

	vp := dev.State().VelocityProcessors[0]
	assert.Equal(t, 1.0, vp.GradientBelow)
	assert.Equal(t, 1.0, vp.GradientAbove)
	assert.Equal(t, int8(5), vp.Offset)

	_, err = exec.ExecuteLine(`unvelocity {"port":2,"channel":0,"direction":0,"position":0}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"velocity", "unvelocity"}, dev.Calls())
}

func TestQueries(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	out, err := exec.ExecuteLine("query port")
	require.NoError(t, err)
	assert.Equal(t, "online correct_port=true", out)

	out, err = exec.ExecuteLine("query name")
	require.NoError(t, err)
	assert.Equal(t, "PMM-88E", out)

	out, err = exec.ExecuteLine("query ports")
	require.NoError(t, err)
	assert.Contains(t, out, `"Tap 1"`)
}

func TestTargetAndState(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	out, err := exec.ExecuteLine("target both")
	require.NoError(t, err)
	assert.Equal(t, "both", out)

	out, err = exec.ExecuteLine("state")
	require.NoError(t, err)
	assert.Contains(t, out, `"target":"both"`)
}

func TestDeviceErrorsAreWrapped(t *testing.T) {
	dev := &fakeDevice{fail: device.ErrDeviceUnresponsive}
	exec, _, _ := newExecutor(dev)

	_, err := exec.ExecuteLine("reset")
	assert.ErrorIs(t, err, device.ErrDeviceUnresponsive)
	assert.Contains(t, err.Error(), "reset")
}

func TestRouteCommands(t *testing.T) {
	exec, table, _ := newExecutor(&fakeDevice{})

	out, err := exec.ExecuteLine("route")
	require.NoError(t, err)
	assert.Equal(t, "no routes", out)

	_, err = exec.ExecuteLine(`route set {"from":1,"to":4,"weight":0.5,"delay_ms":12}`)
	require.NoError(t, err)
	out, err = exec.ExecuteLine("route")
	require.NoError(t, err)
	assert.Equal(t, "1->4 w=0.50 d=12.0ms", out)

	_, err = exec.ExecuteLine(`route set {"from":1,"to":17,"weight":1}`)
	assert.Error(t, err)

	_, err = exec.ExecuteLine("route clear")
	require.NoError(t, err)
	v := table.Snapshot()
	assert.Zero(t, v.Matrices().Weight[1][4])
	v.Release()
}

func TestPulseUsesDefaultOrGivenWidth(t *testing.T) {
	exec, _, pulser := newExecutor(&fakeDevice{})

	out, err := exec.ExecuteLine("pulse")
	require.NoError(t, err)
	assert.Equal(t, "pulse ts=42", out)

	_, err = exec.ExecuteLine(`pulse {"width_ms":2.5}`)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Millisecond, 2500 * time.Microsecond}, pulser.widths)
}

func TestSendWritesMIDI(t *testing.T) {
	exec, _, _, sink := newExecutorWithSink(&fakeDevice{})

	_, err := exec.ExecuteLine(`send {"msg_type":"note_on","channel":2,"note":65,"velocity":100}`)
	require.NoError(t, err)
	_, err = exec.ExecuteLine(`send {"msg_type":"cc","channel":16,"note":7,"velocity":127}`)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x91, 65, 100}, {0xBF, 7, 127}}, sink.sent)

	for _, line := range []string{
		`send {"msg_type":"note_on","channel":0,"note":65}`,
		`send {"msg_type":"note_on","channel":1,"note":128}`,
		`send {"msg_type":"sysex","channel":1}`,
	} {
		_, err := exec.ExecuteLine(line)
		assert.Error(t, err, line)
	}
	assert.Len(t, sink.sent, 2)
}

func TestUnsupportedAndUnknownCommands(t *testing.T) {
	exec := NewExecutor(Options{})

	_, err := exec.ExecuteLine("connect {}")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = exec.ExecuteLine("launch rockets")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	assert.Equal(t, []CommandType{CommandSleep}, exec.Supported())
}

func TestRunScript(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	out, err := exec.ExecuteLine("run start")
	require.NoError(t, err)
	assert.Equal(t, "start: 2 commands", out)
	calls := dev.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "filters", calls[0])

	_, err = exec.ExecuteLine("run loop")
	assert.Error(t, err, "scripts cannot nest")

	_, err = exec.ExecuteLine("run missing")
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestRunLinesValidatesBeforeRunning(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	_, err := exec.ExecuteLine("run bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Empty(t, dev.Calls(), "nothing runs when a later line is invalid")
}

func TestSleepStopsWithContext(t *testing.T) {
	exec, _, _ := newExecutor(&fakeDevice{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec.env.setContext(ctx)

	start := time.Now()
	_, err := exec.ExecuteLine("sleep 5")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepAcceptsSecondsAndDurations(t *testing.T) {
	for code, want := range map[string]time.Duration{
		"0":     0,
		"0.25":  250 * time.Millisecond,
		"1.5":   1500 * time.Millisecond,
		"250ms": 250 * time.Millisecond,
		" 2s ":  2 * time.Second,
		"1m30s": 90 * time.Second,
	} {
		d, err := parseSleep(code)
		require.NoError(t, err, code)
		assert.Equal(t, want, d, code)
	}

	for _, code := range []string{"", "soon", "-1", "-5ms", "NaN", "+Inf"} {
		_, err := parseSleep(code)
		assert.ErrorIs(t, err, ErrInvalidDuration, code)
	}

	exec, _, _ := newExecutor(&fakeDevice{})
	out, err := exec.ExecuteLine("sleep 1ms")
	require.NoError(t, err)
	assert.Equal(t, "slept 0.001s", out)
}

func TestServeWritesOneResultPerCommand(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newExecutor(dev)

	in := strings.NewReader("filters\n\n# skipped\nquery name\nbogus\n")
	var out bytes.Buffer
	require.NoError(t, exec.Serve(testContext(t), in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ok filters initialized", lines[0])
	assert.Equal(t, "ok PMM-88E", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "error: "))
}
