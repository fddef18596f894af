package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nshruti113/ddos-mitigator/internal/models"
)

var target = netip.MustParseAddr("192.0.2.1")

// Attack names accepted by --attacks.
const (
	AttackSYNFlood  = "SYN_FLOOD"
	AttackUDPFlood  = "UDP_FLOOD"
	AttackICMPFlood = "ICMP_FLOOD"
	AttackDNSAmp    = "DNS_AMPLIFICATION"
	AttackNTPAmp    = "NTP_AMPLIFICATION"
	AttackMemcached = "MEMCACHED_AMPLIFICATION"
)

var knownAttacks = []string{AttackSYNFlood, AttackUDPFlood, AttackICMPFlood, AttackDNSAmp, AttackNTPAmp, AttackMemcached}

type Simulator struct {
	serverURL  string
	client     *http.Client
	normalRate int
	attackRate int
	rng        *rand.Rand
}

func NewSimulator(serverURL string, normalRate, attackRate int) *Simulator {
	return &Simulator{
		serverURL:  serverURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		normalRate: normalRate,
		attackRate: attackRate,
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

func (s *Simulator) randomIP() netip.Addr {
	return netip.AddrFrom4([4]byte{
		byte(1 + s.rng.IntN(222)), byte(s.rng.IntN(256)), byte(s.rng.IntN(256)), byte(1 + s.rng.IntN(254)),
	})
}

// botnet returns size random source addresses.
func (s *Simulator) botnet(size int) []netip.Addr {
	ips := make([]netip.Addr, size)
	for i := range ips {
		ips[i] = s.randomIP()
	}
	return ips
}

func (s *Simulator) ephemeralPort() uint16 {
	return uint16(1024 + s.rng.IntN(65535-1024))
}

// GenerateNormalTraffic creates one HTTPS connection attempt from a random
// client.
func (s *Simulator) GenerateNormalTraffic() models.Packet {
	return models.Packet{
		Protocol: models.ProtocolTCP,
		SrcIP:    s.randomIP(),
		DstIP:    target,
		SrcPort:  s.ephemeralPort(),
		DstPort:  443,
		Length:   60,
		Flags:    &models.TCPFlags{SYN: true},
	}
}

// GenerateAttack creates count packets of the named attack from a small set
// of sources.
func (s *Simulator) GenerateAttack(kind string, count int) ([]models.Packet, error) {
	sources := s.botnet(3)
	packets := make([]models.Packet, 0, count)

	for i := 0; i < count; i++ {
		p := models.Packet{
			SrcIP: sources[s.rng.IntN(len(sources))],
			DstIP: target,
		}
		switch kind {
		case AttackSYNFlood:
			p.Protocol = models.ProtocolTCP
			p.SrcPort, p.DstPort = s.ephemeralPort(), 80
			p.Length = 60
			p.Flags = &models.TCPFlags{SYN: true}
		case AttackUDPFlood:
			p.Protocol = models.ProtocolUDP
			p.SrcPort, p.DstPort = s.ephemeralPort(), uint16(s.rng.IntN(65535)+1)
			p.Length = 100 + s.rng.IntN(1300)
		case AttackICMPFlood:
			p.Protocol = models.ProtocolICMP
			p.Length = 84
		case AttackDNSAmp:
			p.Protocol = models.ProtocolUDP
			p.SrcPort, p.DstPort = models.PortDNS, s.ephemeralPort()
			p.Length = 3000 + s.rng.IntN(1000)
		case AttackNTPAmp:
			p.Protocol = models.ProtocolUDP
			p.SrcPort, p.DstPort = models.PortNTP, s.ephemeralPort()
			p.Length = 468
		case AttackMemcached:
			p.Protocol = models.ProtocolUDP
			p.SrcPort, p.DstPort = models.PortMemcached, s.ephemeralPort()
			p.Length = 1400
		default:
			return nil, fmt.Errorf("unknown attack %q", kind)
		}
		packets = append(packets, p)
	}
	return packets, nil
}

type batchResponse struct {
	Results []struct {
		Decision *models.Decision `json:"decision"`
		Error    string           `json:"error"`
	} `json:"results"`
}

// Send posts packets to the batch endpoint and returns the decisions in
// order. Slots the server rejected are nil.
func (s *Simulator) Send(ctx context.Context, packets []models.Packet) ([]*models.Decision, error) {
	data, err := json.Marshal(packets)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/packets/batch", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch rejected: %s", resp.Status)
	}

	var body batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]*models.Decision, len(body.Results))
	for i, r := range body.Results {
		out[i] = r.Decision
	}
	return out, nil
}

// Answer builds the handshake-completing ACK a real client sends after a
// SYN-ACK carrying cookie.
func Answer(syn models.Packet, cookie uint32) models.Packet {
	ack := syn
	ack.Flags = &models.TCPFlags{ACK: true}
	ack.Seq = syn.Seq + 1
	ack.Ack = cookie + 1
	ack.Length = 52
	return ack
}

// tally counts decisions by action.
type tally map[models.Action]int

func (t tally) add(ds []*models.Decision) {
	for _, d := range ds {
		if d != nil {
			t[d.Action]++
		}
	}
}

func (t tally) String() string {
	return fmt.Sprintf("pass=%d drop=%d challenge=%d",
		t[models.ActionPass], t[models.ActionDrop], t[models.ActionChallenge])
}

// tick sends one second of traffic. Legitimate clients that get challenged
// answer their cookie.
func (s *Simulator) tick(ctx context.Context, attack string) (tally, error) {
	normal := make([]models.Packet, s.normalRate)
	for i := range normal {
		normal[i] = s.GenerateNormalTraffic()
	}
	packets := normal

	if attack != "" {
		flood, err := s.GenerateAttack(attack, s.attackRate)
		if err != nil {
			return nil, err
		}
		packets = append(packets, flood...)
	}

	decisions, err := s.Send(ctx, packets)
	if err != nil {
		return nil, err
	}
	t := tally{}
	t.add(decisions)

	var answers []models.Packet
	for i, d := range decisions[:min(len(normal), len(decisions))] {
		if d != nil && d.Action == models.ActionChallenge {
			answers = append(answers, Answer(normal[i], d.Cookie))
		}
	}
	if len(answers) > 0 {
		ds, err := s.Send(ctx, answers)
		if err != nil {
			return nil, err
		}
		t.add(ds)
	}
	return t, nil
}

// Run cycles through attacks, each active for period and followed by a quiet
// period of the same length.
func (s *Simulator) Run(ctx context.Context, attacks []string, period time.Duration) error {
	fmt.Println("🚀 Starting Traffic Simulator...")
	fmt.Println("Generating normal traffic at", s.normalRate, "packets/sec")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	attackTicker := time.NewTicker(period)
	defer attackTicker.Stop()

	current := 0
	active := len(attacks) > 0
	if active {
		fmt.Printf("⚠️  Starting %s attack\n", attacks[current])
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			attack := ""
			if active {
				attack = attacks[current]
			}
			t, err := s.tick(ctx, attack)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				continue
			}
			fmt.Println("  ", t)

		case <-attackTicker.C:
			if len(attacks) == 0 {
				continue
			}
			if active {
				fmt.Println("✅ Attack stopped")
				active = false
			} else {
				current = (current + 1) % len(attacks)
				active = true
				fmt.Printf("⚠️  Starting %s attack\n", attacks[current])
			}
		}
	}
}

func main() {
	var (
		serverURL  string
		normalRate int
		attackRate int
		period     time.Duration
		attacks    []string
	)

	cmd := &cobra.Command{
		Use:          "simulator",
		Short:        "Send synthetic packet descriptors to a running mitigator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range attacks {
				if !slices.Contains(knownAttacks, a) {
					return fmt.Errorf("unknown attack %q", a)
				}
			}
			s := NewSimulator(serverURL, normalRate, attackRate)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.Run(ctx, attacks, period)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8888", "mitigator base URL")
	cmd.Flags().IntVar(&normalRate, "normal-rate", 100, "legitimate connection attempts per second")
	cmd.Flags().IntVar(&attackRate, "attack-rate", 2000, "attack packets per second while an attack is active")
	cmd.Flags().DurationVar(&period, "period", 10*time.Second, "how long each attack and each quiet phase lasts")
	cmd.Flags().StringSliceVar(&attacks, "attacks",
		[]string{AttackSYNFlood, AttackDNSAmp, AttackUDPFlood, AttackICMPFlood, AttackNTPAmp, AttackMemcached},
		"attack sequence to cycle through")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
