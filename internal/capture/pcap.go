package capture

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket/pcapgo"

	"github.com/nshruti113/ddos-mitigator/internal/models"
)

// Evaluator is the part of the engine replay needs.
type Evaluator interface {
	Evaluate(p models.Packet) (models.Decision, error)
}

// Summary counts the outcome of a replay.
type Summary struct {
	Frames      int                   `json:"frames"`
	Skipped     int                   `json:"skipped"`
	Unsupported int                   `json:"unsupported"`
	Malformed   int                   `json:"malformed"`
	Actions     map[models.Action]int `json:"actions"`
	Reasons     map[models.Reason]int `json:"reasons"`
}

func newSummary() Summary {
	return Summary{
		Actions: make(map[models.Action]int),
		Reasons: make(map[models.Reason]int),
	}
}

// ReadPcap decodes every frame of a classic pcap stream and calls fn for each
// descriptor. Frames without an IP layer and unsupported transports are
// counted and skipped. An error from fn stops the read.
func ReadPcap(r io.Reader, fn func(models.Packet) error) (Summary, error) {
	s := newSummary()
	err := readPcap(r, &s, fn)
	return s, err
}

func readPcap(r io.Reader, s *Summary, fn func(models.Packet) error) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("open pcap: %w", err)
	}
	first := pr.LinkType().LayerType()

	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame %d: %w", s.Frames+1, err)
		}
		s.Frames++

		p, err := Decode(data, first, ci.Timestamp)
		switch {
		case errors.Is(err, ErrNoIPLayer):
			s.Skipped++
			continue
		case errors.Is(err, ErrUnsupported):
			s.Unsupported++
			continue
		case err != nil:
			return err
		}

		if err := fn(p); err != nil {
			return err
		}
	}
}

// Replay feeds a pcap stream through ev and tallies the decisions. onDecision
// may be nil.
func Replay(r io.Reader, ev Evaluator, onDecision func(models.Packet, models.Decision)) (Summary, error) {
	s := newSummary()
	err := readPcap(r, &s, func(p models.Packet) error {
		d, err := ev.Evaluate(p)
		if errors.Is(err, models.ErrMalformedPacket) {
			s.Malformed++
			return nil
		}
		if err != nil {
			return err
		}
		s.Actions[d.Action]++
		s.Reasons[d.Reason]++
		if onDecision != nil {
			onDecision(p, d)
		}
		return nil
	})
	return s, err
}
