// Package listener fuses the detection pipeline and drives the IPS
// sanitisation state machine. It is the gateway's worker pool,
// generalized from the ring-buffer event processor's
// read-goroutine → bounded-queue → worker-pool shape: here the bus
// exchange plays the queue's role and each worker runs the full
// verify → extract → score → sanitise pipeline for one frame at a time.
package listener

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vguard/canguard/internal/alerts"
	"github.com/vguard/canguard/internal/anomaly"
	"github.com/vguard/canguard/internal/behavior"
	"github.com/vguard/canguard/internal/budget"
	"github.com/vguard/canguard/internal/bus"
	"github.com/vguard/canguard/internal/codec"
	"github.com/vguard/canguard/internal/contextual"
	"github.com/vguard/canguard/internal/feature"
	"github.com/vguard/canguard/internal/governance"
	"github.com/vguard/canguard/internal/ips"
	"github.com/vguard/canguard/internal/observability"
	"github.com/vguard/canguard/internal/operator"
	"github.com/vguard/canguard/internal/physics"
	"github.com/vguard/canguard/internal/security"
	"github.com/vguard/canguard/internal/temporal"
	"github.com/vguard/canguard/internal/trust"
	"github.com/vguard/canguard/internal/v2v"
	"github.com/vguard/canguard/internal/vehicle"
)

// Publisher is the subset of v2v.Publisher the coordinator needs,
// isolated so tests can substitute a recording double.
type Publisher interface {
	ShouldPublish(mode ips.Mode) bool
	Publish(ctx context.Context, senderID string, anomalyScore, trustScore float64)
}

var _ Publisher = (*v2v.Publisher)(nil)

// QuorumSignal is the subset of v2v.Quorum the coordinator needs to
// fold peer corroboration into the fused anomaly score.
type QuorumSignal interface {
	Signal(senderID string) float64
}

var _ QuorumSignal = (*v2v.Quorum)(nil)

// senderState holds every per-sender stateful component. Looked up
// once per sender and reused across frames.
type senderState struct {
	extractors map[string]*feature.Extractor // keyed by signal name
	ipsState   *ips.State
	trust      *trust.Tracker
}

// Coordinator fuses C2 (verify) through C10 (IPS policy) into one
// per-frame pipeline.
type Coordinator struct {
	nodeID string

	verifier   *security.Verifier
	physics    *physics.Validator
	behavior   *behavior.Analyser
	anomaly    *anomaly.Engine
	contextual *contextual.Validator
	temporal   *temporal.Extractor
	vehicle    *vehicle.Model
	registry   *operator.MemRegistry
	auditor    *governance.Auditor
	alertSink  *alerts.Sink
	metrics    *observability.Metrics
	budget     *budget.Bucket
	publisher  Publisher    // nil when V2V is disabled
	quorum     QuorumSignal // nil when V2V is disabled

	windowMS  int64
	mlEnabled bool

	senders map[string]*senderState

	log *zap.Logger
}

// Config bundles the Coordinator's dependencies.
type Config struct {
	NodeID     string
	Verifier   *security.Verifier
	Physics    *physics.Validator
	Behavior   *behavior.Analyser
	Anomaly    *anomaly.Engine
	Contextual *contextual.Validator
	Temporal   *temporal.Extractor
	Vehicle    *vehicle.Model
	Registry   *operator.MemRegistry
	Auditor    *governance.Auditor
	AlertSink  *alerts.Sink
	Metrics    *observability.Metrics
	Budget     *budget.Bucket
	Publisher  Publisher
	Quorum     QuorumSignal
	WindowMS   int64
	MLEnabled  bool
	Log        *zap.Logger
}

// NewCoordinator builds a Coordinator from cfg.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		nodeID:             cfg.NodeID,
		verifier:           cfg.Verifier,
		physics:            cfg.Physics,
		behavior:           cfg.Behavior,
		anomaly:            cfg.Anomaly,
		contextual:         cfg.Contextual,
		temporal:           cfg.Temporal,
		vehicle:            cfg.Vehicle,
		registry:           cfg.Registry,
		auditor:            cfg.Auditor,
		alertSink:          cfg.AlertSink,
		metrics:            cfg.Metrics,
		budget:             cfg.Budget,
		publisher:          cfg.Publisher,
		quorum:             cfg.Quorum,
		windowMS:           cfg.WindowMS,
		mlEnabled:          cfg.MLEnabled,
		senders:            make(map[string]*senderState),
		log:                cfg.Log,
	}
}

// Run spawns workerCount goroutines, each pulling frames from ex and
// running the detection pipeline. Blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, ex *bus.Exchange, workerCount int) {
	if workerCount <= 0 {
		workerCount = 1
	}

	depthTicker := time.NewTicker(time.Second)
	defer depthTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-depthTicker.C:
				c.metrics.FrameQueueDepth.Set(float64(ex.Depth()))
			}
		}
	}()

	done := make(chan struct{}, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				frame, ok := ex.Receive(ctx)
				if !ok {
					return
				}
				c.Process(ctx, frame)
			}
		}()
	}

	for i := 0; i < workerCount; i++ {
		<-done
	}
}

// Process runs the full verify → extract → score → sanitise pipeline
// for a single frame.
func (c *Coordinator) Process(ctx context.Context, frame bus.Frame) {
	env := frame.Envelope

	if err := c.verifier.Verify(env, frame.NowMS); err != nil {
		reason := "unknown"
		if rej, ok := err.(*security.RejectedError); ok {
			reason = string(rej.Reason)
		}
		c.metrics.FramesRejectedTotal.WithLabelValues(reason).Inc()
		c.log.Warn("envelope rejected", zap.String("device_id", env.DeviceID), zap.String("reason", reason))
		return
	}
	c.metrics.FramesVerifiedTotal.Inc()

	signal, ok := codec.SignalNameForFrame(env.FrameID)
	if !ok {
		c.metrics.FramesRejectedTotal.WithLabelValues("unknown_frame_id").Inc()
		return
	}
	value, err := codec.DecodeSignal(env.FrameID, env.Payload)
	if err != nil {
		c.metrics.FramesRejectedTotal.WithLabelValues("decode_failed").Inc()
		return
	}

	st := c.senderFor(env.DeviceID)

	ext, ok := st.extractors[signal]
	if !ok {
		ext = feature.NewExtractor(c.windowMS)
		st.extractors[signal] = ext
	}
	ext.Add(signal, env.TimestampMS, value)

	bySignal := make(map[string]feature.Features, len(st.extractors))
	for name, e := range st.extractors {
		if f, ok := e.Extract(name); ok {
			bySignal[name] = f
		}
	}

	vec := anomaly.BuildFeatureVector(bySignal)
	_ = c.anomaly.Observe(env.DeviceID, vec)
	anomalyScore, err := c.anomaly.Score(env.DeviceID, vec)
	if err != nil {
		c.log.Warn("anomaly scoring failed", zap.String("device_id", env.DeviceID), zap.Error(err))
		anomalyScore = 0
	}

	c.applySignal(env.DeviceID, signal, value)
	snapshot := c.vehicle.Snapshot()
	timeS := float64(env.TimestampMS) / 1000.0

	physResult := c.physics.Observe(env.DeviceID, physics.Sample{
		TimeS:    timeS,
		SpeedKmh: snapshot.SpeedKmh,
		SteerDeg: snapshot.SteeringDeg,
		BrakePct: snapshot.BrakePct,
	})
	if !physResult.OverallValid {
		c.metrics.PhysicsViolationsTotal.Inc()
	}

	behaviorFeatures := c.behavior.Observe(env.DeviceID, behavior.Sample{
		TimeS:    timeS,
		SpeedKmh: snapshot.SpeedKmh,
		SteerDeg: snapshot.SteeringDeg,
		BrakePct: snapshot.BrakePct,
	})
	controlScore := behavior.ControlScore(behaviorFeatures)

	contextualScore := 0.0
	if c.contextual != nil {
		ctxResult := c.contextual.Observe(env.DeviceID, contextual.Sample{
			TimeS:    timeS,
			SpeedKmh: snapshot.SpeedKmh,
			SteerDeg: snapshot.SteeringDeg,
			BrakePct: snapshot.BrakePct,
		})
		contextualScore = ctxResult.ViolationScore
	}

	temporalAnomaly := 0.0
	if c.temporal != nil {
		temporalAnomaly = c.temporal.Observe(env.DeviceID, signal, timeS, value)
	}
	temporalScore := 1 - temporalAnomaly

	quorumSignal := 0.0
	if c.quorum != nil {
		quorumSignal = c.quorum.Signal(env.DeviceID)
	}

	// Final anomaly fusion per the C8/C11/C6/C7 composite law: the
	// learned isolation-forest score, the C4 control-effort score, and
	// the contextual-rule score blend into ml_fusion, which is then
	// blended against the physics validator's own score and the
	// temporal-consistency score. A physics-invalid frame — a value the
	// vehicle could not possibly have reached — always floor-raises the
	// final anomaly to at least 0.8 regardless of how clean every other
	// signal looks.
	mlFusion := 0.4*anomalyScore + 0.4*controlScore + 0.2*contextualScore
	effAnomaly := clamp01(1 - (0.6*(1-mlFusion) + 0.25*physResult.OverallScore + 0.15*temporalScore))
	if !physResult.OverallValid && effAnomaly < 0.8 {
		effAnomaly = 0.8
	}
	c.metrics.AnomalyScoreHistogram.Observe(effAnomaly)
	c.metrics.DetectionEvalsTotal.Inc()

	newTrust := st.trust.Update(effAnomaly, true, temporalScore)
	c.metrics.TrustScore.Observe(newTrust)

	prevMode := st.ipsState.Mode()
	now := time.Unix(0, env.TimestampMS*int64(time.Millisecond))
	newMode := st.ipsState.Update(newTrust, now)

	c.sanitise(env.DeviceID, st, newMode, snapshot)

	if newMode != prevMode {
		c.metrics.IPSModeTransitionsTotal.WithLabelValues(prevMode.String(), newMode.String()).Inc()
	}

	decision := &governance.Decision{
		SenderID:     env.DeviceID,
		FromMode:     prevMode,
		ToMode:       newMode,
		TrustScore:   newTrust,
		AnomalyScore: effAnomaly,
		Timestamp:    now,
		NodeID:       c.nodeID,
		Inputs: map[string]interface{}{
			"anomaly_score":    anomalyScore,
			"control_score":    controlScore,
			"physics_score":    physResult.OverallScore,
			"quorum_signal":    quorumSignal,
			"contextual_score": contextualScore,
			"temporal_score":   temporalScore,
			"signal":           signal,
		},
	}
	if err := c.auditor.Validate(decision); err != nil {
		c.log.Error("governance validation failed", zap.String("device_id", env.DeviceID), zap.Error(err))
	}

	if c.alertSink != nil && alerts.Notable(prevMode, newMode) {
		c.alertSink.Record(alerts.Alert{
			Timestamp:     now,
			SenderID:      env.DeviceID,
			TrustBefore:   newTrust,
			TrustAfter:    newTrust,
			IPSModeBefore: prevMode,
			IPSModeAfter:  newMode,
			Reason:        "trust_driven_transition",
			DecisionHash:  decision.DecisionHash,
		})
	}

	if c.publisher != nil && newMode != ips.ModeOff && c.publisher.ShouldPublish(newMode) {
		c.publisher.Publish(ctx, env.DeviceID, effAnomaly, newTrust)
	}

	c.metrics.TrackedSenders.Set(float64(len(c.senders)))
}

// senderFor returns the (creating if necessary) per-sender state,
// registering new senders with the operator registry so override
// commands can reach them immediately.
func (c *Coordinator) senderFor(deviceID string) *senderState {
	if st, ok := c.senders[deviceID]; ok {
		return st
	}
	st := &senderState{
		extractors: make(map[string]*feature.Extractor),
		ipsState:   ips.NewState(),
		trust:      trust.NewTracker(trust.DefaultWeights()),
	}
	st.trust.SetMLEnabled(c.mlEnabled)
	c.senders[deviceID] = st
	if c.registry != nil {
		c.registry.Register(deviceID, st.ipsState, st.trust)
	}
	return st
}

// applySignal writes a decoded value into the vehicle model, used to
// keep the physics validator's speed/steering/brake triple current
// even though each frame only updates one signal.
func (c *Coordinator) applySignal(deviceID, signal string, value float64) {
	switch signal {
	case "steering":
		c.vehicle.UpdateSteering(value)
	case "speed":
		c.vehicle.UpdateSpeed(value)
	case "brake":
		c.vehicle.ApplyBrake(value)
	}
}

// sanitise applies the IPS state's speed-ramp and steering-decay
// sanitisation (ips.State.Sanitize) to the vehicle model under the
// active mode's limits. A no-op at ModeOff, where the current values
// are simply anchored as the next cycle's last-known-safe.
func (c *Coordinator) sanitise(deviceID string, st *senderState, mode ips.Mode, snapshot vehicle.State) {
	if _, capped := ips.LimitsFor(mode); !capped {
		st.ipsState.RecordSafe(snapshot.SpeedKmh, snapshot.SteeringDeg)
		return
	}

	speed, steer := st.ipsState.Sanitize(snapshot.SpeedKmh)
	c.vehicle.ForceSpeed(speed)
	c.vehicle.UpdateSteering(steer)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
