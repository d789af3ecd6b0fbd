// Package main — cmd/gateway-sim/main.go
//
// Gateway frame simulator.
//
// Adapted from the dominance simulator's CLI shape (flag-driven,
// deterministic-seed, per-step CSV to stdout, summary to stderr) but
// generalized from "simulate an attacker's mutation rate offline" to
// "drive a scenario and emit real signed envelopes over the wire" —
// this tool dials a running gatewayd's internal/ingest listener
// instead of computing a closed-form curve.
//
// Scenarios:
//   normal             — gentle speed/steering/brake changes within
//                         plausible kinematic bounds.
//   physics_violation  — steering reversed at an implausible rate,
//                         exercising the physics validator and the
//                         contextual validator's unsafe_physics rule.
//   signal_injection   — steady readings punctuated by wild outliers,
//                         exercising the contextual validator's
//                         signal_injection rule.
//   replay             — re-sends an earlier sequence number, exercising
//                         the security verifier's replay rejection.
//
// Usage:
//
//	gateway-sim -addr /run/canguard/bus.sock -device ecu-1 \
//	    -secret-hex <64 hex chars> -scenario normal -steps 500
package main

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/vguard/canguard/internal/codec"
	"github.com/vguard/canguard/internal/ingest"
	"github.com/vguard/canguard/internal/keys"
	"github.com/vguard/canguard/internal/security"
)

var signalFrameIDs = map[string]codec.FrameID{
	"steering": codec.FrameIDSteering,
	"speed":    codec.FrameIDSpeed,
	"brake":    codec.FrameIDBrake,
}

func main() {
	network := flag.String("network", "unix", `net.Dial network: "unix" or "tcp"`)
	addr := flag.String("addr", "/run/canguard/bus.sock", "Address of the gatewayd ingestion listener")
	deviceID := flag.String("device", "ecu-1", "Device ID to sign envelopes as")
	secretHex := flag.String("secret-hex", "", "Hex-encoded HMAC secret matching the gateway's security.devices entry (required)")
	scenario := flag.String("scenario", "normal", "normal | physics_violation | signal_injection | replay")
	steps := flag.Int("steps", 500, "Number of frames to emit")
	rateHz := flag.Float64("rate-hz", 10, "Emission rate in Hz")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *secretHex == "" {
		fmt.Fprintln(os.Stderr, "ERROR: -secret-hex is required")
		os.Exit(1)
	}
	secret, err := hex.DecodeString(*secretHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: -secret-hex: %v\n", err)
		os.Exit(1)
	}

	table := keys.NewTable([]keys.DeviceSpec{{DeviceID: *deviceID, Secret: secret, CurrentVersion: 1}})
	signer, err := security.NewSigner(*deviceID, table, &counterSeq{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: building signer: %v\n", err)
		os.Exit(1)
	}

	conn, err := net.Dial(*network, *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: dial %s %s: %v\n", *network, *addr, err)
		os.Exit(1)
	}
	defer conn.Close()
	enc := json.NewEncoder(conn)

	rng := rand.New(rand.NewSource(*seed))
	sim := newScenario(*scenario, rng)
	if sim == nil {
		fmt.Fprintf(os.Stderr, "ERROR: unknown scenario %q\n", *scenario)
		os.Exit(1)
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"step", "time_s", "signal", "value", "sent_ok"})

	interval := time.Duration(float64(time.Second) / *rateHz)
	startMS := time.Now().UnixMilli()
	var replayEnv *security.Envelope

	for step := 0; step < *steps; step++ {
		tsMS := startMS + int64(float64(step)*1000.0 / *rateHz)
		signal, value := sim.next(step)
		frameID, ok := signalFrameIDs[signal]
		if !ok {
			fmt.Fprintf(os.Stderr, "ERROR: unknown signal %q\n", signal)
			os.Exit(1)
		}
		payload, err := codec.EncodeSignal(frameID, value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: encode: %v\n", err)
			os.Exit(1)
		}

		env, signErr := signer.Sign(frameID, payload[:], tsMS)
		toSend := env
		if signErr == nil && *scenario == "replay" {
			if replayEnv == nil {
				saved := env
				replayEnv = &saved
			} else if step%5 == 0 {
				toSend = *replayEnv
			}
		}

		sentOK := false
		sendErr := signErr
		if sendErr == nil {
			if werr := enc.Encode(ingest.FromEnvelope(toSend)); werr == nil {
				sentOK = true
			} else {
				sendErr = werr
			}
		}

		_ = w.Write([]string{
			strconv.Itoa(step),
			strconv.FormatFloat(float64(tsMS)/1000.0, 'f', 3, 64),
			signal,
			strconv.FormatFloat(value, 'f', 3, 64),
			strconv.FormatBool(sentOK),
		})
		w.Flush()

		if sendErr != nil {
			fmt.Fprintf(os.Stderr, "WARN: step %d: %v\n", step, sendErr)
		}

		time.Sleep(interval)
	}

	fmt.Fprintf(os.Stderr, "\n=== gateway-sim summary ===\nscenario: %s\nsteps:    %d\ndevice:   %s\n", *scenario, *steps, *deviceID)
}

type counterSeq struct{ n uint64 }

func (c *counterSeq) Next(string) (uint64, error) {
	c.n++
	return c.n, nil
}

// scenario produces the next (signal, value) pair for a simulation step.
type scenario interface {
	next(step int) (signal string, value float64)
}

func newScenario(name string, rng *rand.Rand) scenario {
	switch name {
	case "normal", "replay":
		return &normalScenario{rng: rng, speed: 50}
	case "physics_violation":
		return &physicsViolationScenario{}
	case "signal_injection":
		return &signalInjectionScenario{}
	default:
		return nil
	}
}

type normalScenario struct {
	rng                 *rand.Rand
	speed, steer, brake float64
}

func (s *normalScenario) next(step int) (string, float64) {
	switch step % 3 {
	case 0:
		s.speed = clamp(s.speed+s.rng.NormFloat64()*1.5, 0, 180)
		return "speed", s.speed
	case 1:
		s.steer = clamp(s.steer+s.rng.NormFloat64()*2, -45, 45)
		return "steering", s.steer
	default:
		s.brake = clamp(s.brake+s.rng.NormFloat64()*3, 0, 100)
		return "brake", s.brake
	}
}

type physicsViolationScenario struct{}

func (s *physicsViolationScenario) next(step int) (string, float64) {
	if step%2 == 0 {
		return "steering", 40
	}
	return "steering", -40
}

type signalInjectionScenario struct{}

func (s *signalInjectionScenario) next(step int) (string, float64) {
	if step > 0 && step%10 == 0 {
		return "brake", 95
	}
	return "brake", 10.0 + math.Mod(float64(step), 3)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
