package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PixPMusic/mioc-router/internal/device"
	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Default().Ingest, cfg.Ingest)
	assert.Equal(t, mioc.DefaultLayout(), cfg.Layout)
	assert.Equal(t, "device", cfg.Device.Target)
	_, err = uuid.Parse(cfg.SessionID)
	assert.NoError(t, err)
}

func TestLoadKeepsDefaultsForAbsentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
midi:
  in_port: MIOC In
  out_port: MIOC Out
device:
  target: both
  reply_timeout: 250ms
connections:
  - {in_port: 1, in_channel: 0, out_port: 8, out_channel: 15, weight: 0.5, delay_ms: 20}
scripts:
  - name: demo
    commands:
      - 'connect {"in_port":1,"in_channel":0,"out_port":2,"out_channel":3}'
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "MIOC In", cfg.MIDI.InPort)
	assert.Equal(t, 250*time.Millisecond, cfg.Device.ReplyTimeout)
	assert.Equal(t, 2, cfg.Device.MaxRetries, "absent field keeps its default")
	assert.Equal(t, 4096, cfg.Ingest.RingBytes)
	assert.NotEmpty(t, cfg.SessionID)
	require.Len(t, cfg.Connections, 1)
	assert.Equal(t, 0.5, cfg.Connections[0].Weight)

	s := cfg.GetScript("demo")
	require.NotNil(t, s)
	assert.Len(t, s.Commands, 1)
	assert.Nil(t, cfg.GetScript("other"))

	opts, err := cfg.DeviceOptions()
	require.NoError(t, err)
	assert.Equal(t, device.TargetBoth, opts.Target)
	assert.Equal(t, uint8(8), opts.HostPort)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.VelocityProcessors = []mioc.VelocityProcessor{mioc.NewVelocityProcessor(2, 0, mioc.Input)}

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.SessionID, loaded.SessionID)
	assert.Equal(t, cfg.MQTT, loaded.MQTT)
	assert.Equal(t, cfg.Pulse.Width, loaded.Pulse.Width)
	assert.Equal(t, cfg.VelocityProcessors, loaded.VelocityProcessors)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, body := range map[string]string{
		"target":     "device: {target: sideways}",
		"host port":  "device: {host_port: 9}",
		"connection": "connections: [{in_port: 0, in_channel: 0, out_port: 1, out_channel: 0}]",
		"syntax":     "midi: [",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
