package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/ddos-mitigator/internal/capture"
	"github.com/nshruti113/ddos-mitigator/internal/detection"
)

const testYAML = `
mitigation:
  pps_per_ip: 50
  syn_rate: 10
  icmp_rate: 20
  udp_flood_rate: 100
  dns_rate: 30
  ntp_rate: 30
  window: 1s
  blacklist_duration: 5m
whitelist:
  - 10.0.0.0/8
`

var start = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func synFrame(t *testing.T, src string) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP("192.0.2.1").To4(),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Seq: 1, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, tcp))
	return buf.Bytes()
}

// writeSYNFlood writes n SYNs from src, 10ms apart.
func writeSYNFlood(t *testing.T, src string, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flood.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	frame := synFrame(t, src)
	for i := 0; i < n; i++ {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 10 * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return path
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "mitigator.yaml", testYAML)

	out, err := run(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "syn_rate=10")
	assert.Contains(t, out, "whitelist entries=1")
}

func TestValidate_MissingThreshold(t *testing.T) {
	path := writeFile(t, "mitigator.yaml", strings.Replace(testYAML, "  syn_rate: 10\n", "", 1))

	_, err := run(t, "validate", "--config", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, detection.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "syn_rate")
}

func TestReplay_SYNFlood(t *testing.T) {
	cfgPath := writeFile(t, "mitigator.yaml", testYAML)
	pcapPath := writeSYNFlood(t, "203.0.113.50", 20)

	out, err := run(t, "replay", "--config", cfgPath, pcapPath)
	require.NoError(t, err)

	assert.Equal(t, 10, strings.Count(out, "[CHALLENGE"))
	assert.Contains(t, out, "reason=syn-flood")
	assert.Contains(t, out, "Frames:       20")
	assert.Contains(t, out, "Graylisted:   1")
}

func TestReplay_JSON(t *testing.T) {
	cfgPath := writeFile(t, "mitigator.yaml", testYAML)
	pcapPath := writeSYNFlood(t, "203.0.113.50", 20)

	out, err := run(t, "replay", "--json", "--config", cfgPath, pcapPath)
	require.NoError(t, err)

	var body struct {
		Summary capture.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, 20, body.Summary.Frames)
	assert.Equal(t, 10, body.Summary.Reasons["ok"])
	assert.Equal(t, 10, body.Summary.Reasons["syn-flood"])
}

func TestReplay_Whitelisted(t *testing.T) {
	cfgPath := writeFile(t, "mitigator.yaml", testYAML)
	pcapPath := writeSYNFlood(t, "10.1.2.3", 20)

	out, err := run(t, "replay", "--json", "--config", cfgPath, pcapPath)
	require.NoError(t, err)

	var body struct {
		Summary capture.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, 20, body.Summary.Reasons["whitelisted"])
}

func TestReplay_Errors(t *testing.T) {
	cfgPath := writeFile(t, "mitigator.yaml", testYAML)

	_, err := run(t, "replay", "--config", cfgPath)
	assert.Error(t, err, "capture argument is required")

	_, err = run(t, "replay", "--config", cfgPath, filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)

	_, err = run(t, "replay", "--config", cfgPath, writeFile(t, "bad.pcap", "not a capture"))
	assert.Error(t, err)
}
