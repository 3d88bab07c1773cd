package controller

import (
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

// onTarget is a snapshot that produces no PID output under the default config.
func onTarget() telemetry.TelemetrySnapshot {
	return telemetry.TelemetrySnapshot{
		AvgLatencyUs:  5_000,
		P95_1mUs:      5_000,
		P95_5mUs:      5_000,
		P95_15mUs:     5_000,
		QueueFillFrac: 0.5,
	}
}

func withLatency(us float64) telemetry.TelemetrySnapshot {
	s := onTarget()
	s.AvgLatencyUs = us
	return s
}

func aggressiveSpec() ParameterSpec {
	return ParameterSpec{Min: 1, Max: 100_000, Step: 1, RollbackThreshold: 0.10, Kp: 10}
}

func rollbacksOf(records []AdjustmentRecord) []AdjustmentRecord {
	var out []AdjustmentRecord
	for _, r := range records {
		if r.IsRollback {
			out = append(out, r)
		}
	}
	return out
}

var _ = Describe("Controller", func() {
	var (
		fc   *testingclock.FakeClock
		ctrl *Controller
	)

	BeforeEach(func() {
		fc = testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
		ctrl = New(DefaultConfig(), WithClock(fc))
	})

	Context("construction", func() {
		It("starts every parameter at its default", func() {
			for _, p := range AllParams() {
				Expect(ctrl.Get(p)).To(Equal(DefaultValue(p)), p.String())
			}
			Expect(ctrl.Values()).To(HaveLen(12))
			Expect(ctrl.AuditLog()).To(BeEmpty())
			Expect(ctrl.ActiveRollbackGuards()).To(BeZero())
		})

		It("re-clamps the value when a spec is replaced", func() {
			spec := DefaultParameterSpec()
			spec.Max = 42
			ctrl.SetSpec(DedupTTLMs, spec)
			Expect(ctrl.Spec(DedupTTLMs).Max).To(Equal(42.0))
			Expect(ctrl.Get(DedupTTLMs)).To(Equal(42.0))
		})
	})

	Context("manual overrides", func() {
		It("clamps to the parameter bounds", func() {
			Expect(ctrl.Set(DedupChannelBuf, 1e9)).To(Equal(4096.0))
			Expect(ctrl.Set(DedupChannelBuf, -5)).To(Equal(16.0))
			Expect(ctrl.Get(DedupChannelBuf)).To(Equal(16.0))
		})

		It("applies a parameter map and ignores unknown names", func() {
			n := ctrl.Apply(map[string]float64{
				"dedup_channel_buf": 999_999,
				"dedup_ttl_ms":      700,
				"not_a_param":       1,
			})
			Expect(n).To(Equal(2))
			Expect(ctrl.Get(DedupChannelBuf)).To(Equal(4096.0))
			Expect(ctrl.Get(DedupTTLMs)).To(Equal(700.0))
		})
	})

	Context("observing snapshots", func() {
		It("leaves everything alone when on target", func() {
			Expect(ctrl.Observe(onTarget())).To(BeEmpty())
			Expect(ctrl.AuditLog()).To(BeEmpty())
		})

		It("shrinks channel buffers under high latency and installs guards", func() {
			records := ctrl.Observe(withLatency(50_000))
			Expect(records).To(HaveLen(5))
			for _, r := range records {
				Expect(r.Param.isChannelBuffer()).To(BeTrue())
				Expect(r.Before).To(Equal(256.0))
				Expect(r.After).To(Equal(192.0))
				Expect(r.IsRollback).To(BeFalse())
				Expect(r.TriggerMetric).To(Equal(50_000.0))
				Expect(r.ErrorSignal).To(Equal(-45_000.0))
				Expect(r.Timestamp).To(Equal(fc.Now()))
			}
			Expect(ctrl.ActiveRollbackGuards()).To(Equal(5))
			Expect(ctrl.RollbackGuards()[0].ExpiresAt).To(Equal(fc.Now().Add(30 * time.Second)))
		})

		It("respects the cooldown", func() {
			Expect(ctrl.Observe(withLatency(50_000))).To(HaveLen(5))

			fc.Step(5 * time.Second)
			Expect(ctrl.Observe(withLatency(50_000))).To(BeEmpty())

			fc.Step(6 * time.Second)
			again := ctrl.Observe(withLatency(50_000))
			Expect(again).To(HaveLen(5))
			Expect(again[0].Before).To(Equal(192.0))
		})

		It("rolls back a change when the metric degrades inside the window", func() {
			ctrl.Observe(withLatency(50_000))

			fc.Step(time.Second)
			records := ctrl.Observe(withLatency(60_000))
			rollbacks := rollbacksOf(records)
			Expect(rollbacks).To(HaveLen(5))
			for _, r := range rollbacks {
				Expect(r.Before).To(Equal(192.0))
				Expect(r.After).To(Equal(256.0))
				Expect(r.TriggerMetric).To(Equal(50_000.0))
				Expect(ctrl.Get(r.Param)).To(Equal(256.0))
			}
			Expect(ctrl.ActiveRollbackGuards()).To(BeZero())
			Expect(rollbacksOf(ctrl.AuditLog())).To(HaveLen(5))
		})

		It("drops expired guards without rolling back", func() {
			ctrl.Observe(withLatency(50_000))

			fc.Step(31 * time.Second)
			records := ctrl.Observe(withLatency(60_000))
			Expect(rollbacksOf(records)).To(BeEmpty())
			Expect(records).NotTo(BeEmpty())
		})

		It("drives the shed threshold from drop rate", func() {
			snap := onTarget()
			snap.DropRate = 0.5
			records := ctrl.Observe(snap)
			Expect(records).To(HaveLen(1))
			Expect(records[0].Param).To(Equal(BackpressureShedThreshold))
			Expect(records[0].After).To(BeNumerically("<", 0.8))
		})

		It("drives the refill rate from queue pressure", func() {
			snap := onTarget()
			snap.QueueFillFrac = 1.0
			records := ctrl.Observe(snap)
			Expect(records).To(HaveLen(1))
			Expect(records[0].Param).To(Equal(RateLimiterRefillRate))
			Expect(records[0].After).To(BeNumerically("<", 100))
		})
	})

	Context("with aggressive gains and no cooldown", func() {
		BeforeEach(func() {
			cfg := DefaultConfig()
			cfg.TargetLatencyUs = 1_000
			cfg.RollbackWindow = time.Hour
			cfg.AuditLogCap = 5
			ctrl = New(cfg, WithClock(fc))
			for _, p := range AllParams() {
				ctrl.SetSpec(p, aggressiveSpec())
			}
		})

		It("records before and after values that differ", func() {
			records := ctrl.Observe(withLatency(50_000))
			Expect(records).NotTo(BeEmpty())
			for _, r := range records {
				Expect(r.Before).NotTo(Equal(r.After), r.Param.String())
			}
		})

		It("caps the audit log but still returns the whole batch", func() {
			records := ctrl.Observe(withLatency(50_000))
			Expect(len(records)).To(BeNumerically(">", 5))
			Expect(ctrl.AuditLog()).To(HaveLen(5))
			Expect(ctrl.AuditLog()[4]).To(Equal(records[len(records)-1]))

			ctrl.ClearAuditLog()
			Expect(ctrl.AuditLog()).To(BeEmpty())
		})

		It("restores the original value on rollback", func() {
			before := ctrl.Get(DedupChannelBuf)
			ctrl.Observe(withLatency(50_000))
			Expect(ctrl.Get(DedupChannelBuf)).NotTo(Equal(before))

			records := ctrl.Observe(withLatency(200_000))
			var found bool
			for _, r := range rollbacksOf(records) {
				if r.Param == DedupChannelBuf {
					found = true
					Expect(r.After).To(Equal(before))
				}
			}
			Expect(found).To(BeTrue())
		})
	})

	It("keeps every value inside its bounds for arbitrary input", func() {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 500; i++ {
			snap := telemetry.TelemetrySnapshot{
				TotalRequests:  uint64(rng.Intn(10_000)),
				TotalErrors:    uint64(rng.Intn(500)),
				TotalDedupHits: uint64(rng.Intn(500)),
				DropRate:       rng.Float64(),
				CacheHitRate:   rng.Float64(),
				AvgLatencyUs:   rng.Float64() * 200_000,
				QueueFillFrac:  rng.Float64(),
			}
			ctrl.Observe(snap)
			if i%7 == 0 {
				ctrl.Set(AllParams()[i%12], rng.NormFloat64()*1e6)
			}
			fc.Step(time.Duration(rng.Intn(20)) * time.Second)

			for _, p := range AllParams() {
				spec := ctrl.Spec(p)
				Expect(ctrl.Get(p)).To(And(
					BeNumerically(">=", spec.Min),
					BeNumerically("<=", spec.Max),
				), p.String())
			}
		}
	})
})
