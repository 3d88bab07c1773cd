package orchestrator

import (
	"context"
	"errors"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/llm-d-incubation/pipeline-selftune/internal/config"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/anomaly"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/controller"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/cost"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/experiment"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/snapshot"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
	testutils "github.com/llm-d-incubation/pipeline-selftune/test/utils"
)

type fakePersister struct {
	seed     snapshot.ParamMap
	err      error
	failures int // transient failures before Restore succeeds
	calls    int
	attached *snapshot.Registry
}

func (f *fakePersister) Restore(_ context.Context, reg *snapshot.Registry) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if f.calls <= f.failures {
		return 0, errors.New("store still starting")
	}
	reg.Commit(f.seed, snapshot.Controller(), snapshot.SnapshotMetrics{P95LatencyMs: 4}, "")
	return 1, nil
}

func (f *fakePersister) Attach(reg *snapshot.Registry) { f.attached = reg }

func bigCacheSpec() experiment.Spec {
	spec := experiment.DefaultSpec()
	spec.Name = "bigger-cache"
	spec.Parameter = controller.CacheChannelBuf.String()
	spec.ControlValue = 256
	spec.TreatmentValue = 1024
	spec.TrafficSplit = 0.5
	spec.MinSamples = 10
	return spec
}

func concludeForTreatment(o *Orchestrator, name string) {
	for i := 0; i < 10; i++ {
		jitter := float64(i % 3)
		_, err := o.RecordExperiment(name, experiment.Control, 100+jitter)
		Expect(err).NotTo(HaveOccurred())
		_, err = o.RecordExperiment(name, experiment.Treatment, 50+jitter)
		Expect(err).NotTo(HaveOccurred())
	}
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx context.Context
		fc  *testingclock.FakeClock
		cfg config.Config
		bus *telemetry.Bus
	)

	// next returns a fixture snapshot captured one emit interval after the previous one.
	next := func(opts ...testutils.SnapshotOption) telemetry.TelemetrySnapshot {
		fc.Step(5 * time.Second)
		return testutils.NewTelemetrySnapshot(append([]testutils.SnapshotOption{testutils.WithCapturedAt(fc.Now())}, opts...)...)
	}

	build := func(opts ...Option) *Orchestrator {
		o, err := New(ctx, cfg, bus, append([]Option{WithClock(fc)}, opts...)...)
		Expect(err).NotTo(HaveOccurred())
		return o
	}

	BeforeEach(func() {
		ctx = context.Background()
		fc = testingclock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
		cfg = config.Default()
		bus = telemetry.NewBus(cfg.Bus, telemetry.WithClock(fc))
	})

	Context("construction", func() {
		It("commits the initial configuration", func() {
			o := build()
			history := o.ConfigHistory()
			Expect(history).To(HaveLen(1))
			Expect(history[0].Source).To(Equal("initial"))

			st := o.Status()
			Expect(st.RunID).NotTo(BeEmpty())
			Expect(st.ConfigSnapshots).To(Equal(1))
			Expect(st.LatestSnapshotID).To(Equal(history[0].ID))
			Expect(st.Running).To(BeFalse())
			Expect(o.Params()).To(HaveKeyWithValue("cache_channel_buf", 256.0))
		})

		It("registers configured experiments", func() {
			cfg.Experiments = []experiment.Spec{bigCacheSpec()}
			o := build()
			infos := o.Experiments()
			Expect(infos).To(HaveLen(1))
			Expect(infos[0].Spec.Name).To(Equal("bigger-cache"))
		})

		It("fails when the experiment limit is exceeded", func() {
			cfg.Orchestrator.MaxActiveExperiments = 1
			second := bigCacheSpec()
			second.Name = "another"
			cfg.Experiments = []experiment.Spec{bigCacheSpec(), second}
			_, err := New(ctx, cfg, bus, WithClock(fc))
			Expect(err).To(MatchError(experiment.ErrRegistryFull))
		})

		It("restores persisted history and makes it live", func() {
			p := &fakePersister{seed: snapshot.ParamMap{"cache_channel_buf": 512}}
			o := build(WithPersistence(p))

			Expect(p.attached).NotTo(BeNil())
			Expect(o.Params()).To(HaveKeyWithValue("cache_channel_buf", 512.0))
			history := o.ConfigHistory()
			Expect(history).To(HaveLen(2))
			Expect(history[1].Source).To(Equal("initial"))
			Expect(history[1].Note).NotTo(BeNil())
			Expect(*history[1].Note).To(Equal("restored 1 snapshots"))
		})

		It("retries a transient restore failure", func() {
			p := &fakePersister{seed: snapshot.ParamMap{"cache_channel_buf": 512}, failures: 1}
			o := build(WithPersistence(p))
			Expect(p.calls).To(Equal(2))
			Expect(o.ConfigHistory()).To(HaveLen(2))
		})

		It("starts fresh when restore keeps failing", func() {
			p := &fakePersister{err: errors.New("connection refused")}
			o := build(WithPersistence(p))
			Expect(p.calls).To(BeNumerically(">", 1))
			Expect(p.attached).NotTo(BeNil())
			Expect(o.ConfigHistory()).To(HaveLen(1))
		})
	})

	Context("processing snapshots", func() {
		It("does nothing beyond counting for an on-target snapshot", func() {
			o := build()
			res := o.ProcessSnapshot(next())
			Expect(res.Anomalies).To(BeEmpty())
			Expect(res.Adjustments).To(BeEmpty())
			Expect(res.Committed).To(BeEmpty())

			st := o.Status()
			Expect(st.SnapshotsProcessed).To(Equal(uint64(1)))
			Expect(st.LastSnapshotAt).NotTo(BeNil())
			Expect(st.ConfigSnapshots).To(Equal(1))
		})

		It("ignores snapshots that were never emitted or were already seen", func() {
			o := build()
			o.ProcessSnapshot(telemetry.TelemetrySnapshot{})
			snap := next()
			o.ProcessSnapshot(snap)
			o.ProcessSnapshot(snap)
			Expect(o.Status().SnapshotsProcessed).To(Equal(uint64(1)))
		})

		It("commits controller adjustments and guard rollbacks", func() {
			o := build()
			res := o.ProcessSnapshot(next(testutils.WithDropRate(0.3)))
			Expect(res.Adjustments).To(HaveLen(1))
			Expect(res.Adjustments[0].Param).To(Equal(controller.BackpressureShedThreshold))
			Expect(res.Committed).To(HaveLen(1))
			Expect(o.Params()["backpressure_shed_threshold"]).To(BeNumerically("<", 0.8))

			history := o.ConfigHistory()
			Expect(history[len(history)-1].Source).To(Equal("controller"))
			Expect(history[len(history)-1].Changes).To(HaveLen(1))

			res = o.ProcessSnapshot(next(testutils.WithDropRate(0.5)))
			Expect(res.Adjustments).To(HaveLen(1))
			Expect(res.Adjustments[0].IsRollback).To(BeTrue())
			Expect(o.Params()).To(HaveKeyWithValue("backpressure_shed_threshold", 0.8))

			history = o.ConfigHistory()
			Expect(history[len(history)-1].Source).To(Equal("auto-rollback:drop_rate_pct"))

			st := o.Status()
			Expect(st.ParamAdjustments).To(Equal(uint64(1)))
			Expect(st.GuardRollbacks).To(Equal(uint64(1)))
			Expect(o.AuditLog()).To(HaveLen(2))
		})

		It("leaves parameters alone when auto-adjust is off", func() {
			cfg.Orchestrator.AutoAdjust = false
			o := build()
			res := o.ProcessSnapshot(next(testutils.WithDropRate(0.3)))
			Expect(res.Adjustments).To(BeEmpty())
			Expect(o.Params()).To(HaveKeyWithValue("backpressure_shed_threshold", 0.8))
		})
	})

	Context("critical anomalies", func() {
		BeforeEach(func() {
			cfg.Orchestrator.AutoAdjust = false
		})

		It("rolls back to the best measured snapshot before the live one", func() {
			o := build()
			o.ProcessSnapshot(next())
			good, err := o.SetParam("cache_channel_buf", 2048, "alice")
			Expect(err).NotTo(HaveOccurred())

			o.ProcessSnapshot(next(testutils.WithLatency(6_000, 9_000)))
			_, err = o.SetParam("cache_channel_buf", 4096, "bob")
			Expect(err).NotTo(HaveOccurred())

			res := o.ProcessSnapshot(next(testutils.WithLatency(30_000, 40_000)))
			Expect(anomaly.HasCritical(res.Anomalies)).To(BeTrue())
			Expect(res.RolledBackTo).NotTo(BeNil())
			Expect(*res.RolledBackTo).To(Equal(good.ID))
			Expect(o.Params()).To(HaveKeyWithValue("cache_channel_buf", 2048.0))

			history := o.ConfigHistory()
			last := history[len(history)-1]
			Expect(last.Source).To(Equal("anomaly-rollback"))

			st := o.Status()
			Expect(st.AnomalyRollbacks).To(Equal(uint64(1)))
			Expect(st.CriticalAnomalies).To(BeNumerically(">=", 1))
			Expect(st.RecentAnomalies).NotTo(BeEmpty())
		})

		It("skips the rollback when no measured snapshot exists", func() {
			o := build()
			res := o.ProcessSnapshot(next(testutils.WithLatency(30_000, 40_000)))
			Expect(anomaly.HasCritical(res.Anomalies)).To(BeTrue())
			Expect(res.RolledBackTo).To(BeNil())
			Expect(o.ConfigHistory()).To(HaveLen(1))
		})

		It("does not roll back when disabled", func() {
			cfg.Orchestrator.RollbackOnCritical = false
			o := build()
			o.ProcessSnapshot(next())
			_, err := o.SetParam("cache_channel_buf", 2048, "alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = o.SetParam("cache_channel_buf", 4096, "bob")
			Expect(err).NotTo(HaveOccurred())

			res := o.ProcessSnapshot(next(testutils.WithLatency(30_000, 40_000)))
			Expect(res.RolledBackTo).To(BeNil())
			Expect(o.Params()).To(HaveKeyWithValue("cache_channel_buf", 4096.0))
		})
	})

	Context("experiments", func() {
		It("applies a winning treatment on the next iteration", func() {
			cfg.Experiments = []experiment.Spec{bigCacheSpec()}
			o := build()
			concludeForTreatment(o, "bigger-cache")

			info, ok := o.Experiment("bigger-cache")
			Expect(ok).To(BeTrue())
			Expect(info.Status.State).To(Equal(experiment.Concluded))
			Expect(info.Status.Winner).To(Equal(experiment.Treatment))

			res := o.ProcessSnapshot(next())
			Expect(res.Concluded).To(Equal([]string{"bigger-cache"}))
			Expect(o.Params()).To(HaveKeyWithValue("cache_channel_buf", 1024.0))

			history := o.ConfigHistory()
			Expect(history[len(history)-1].Source).To(Equal("experiment:bigger-cache"))
			Expect(o.Status().ExperimentsConcluded).To(Equal(uint64(1)))

			res = o.ProcessSnapshot(next())
			Expect(res.Concluded).To(BeEmpty())
		})

		It("records a conclusion without changing parameters it does not know", func() {
			spec := bigCacheSpec()
			spec.Name = "prompt-style"
			spec.Parameter = "prompt_template"
			o := build()
			_, err := o.RegisterExperiment(spec)
			Expect(err).NotTo(HaveOccurred())
			concludeForTreatment(o, "prompt-style")

			before := o.Params()
			res := o.ProcessSnapshot(next())
			Expect(res.Concluded).To(Equal([]string{"prompt-style"}))
			Expect(o.Params()).To(Equal(before))

			history := o.ConfigHistory()
			last := history[len(history)-1]
			Expect(last.Source).To(Equal("experiment:prompt-style"))
			Expect(last.Changes).To(BeEmpty())
		})

		It("routes requests and reports unknown experiments", func() {
			o := build()
			_, err := o.RegisterExperiment(bigCacheSpec())
			Expect(err).NotTo(HaveOccurred())

			a, err := o.RouteExperiment("bigger-cache", 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Value).To(Equal(map[experiment.Variant]float64{
				experiment.Control:   256,
				experiment.Treatment: 1024,
			}[a.Variant]))

			_, err = o.RouteExperiment("missing", 1)
			Expect(err).To(MatchError(experiment.ErrNotFound))
			_, err = o.RecordExperiment("missing", experiment.Control, 1)
			Expect(err).To(MatchError(experiment.ErrNotFound))
			_, err = o.StopExperiment("missing")
			Expect(err).To(MatchError(experiment.ErrNotFound))
		})

		It("rejects duplicates", func() {
			o := build()
			_, err := o.RegisterExperiment(bigCacheSpec())
			Expect(err).NotTo(HaveOccurred())
			_, err = o.RegisterExperiment(bigCacheSpec())
			Expect(err).To(MatchError(experiment.ErrDuplicateExperiment))
			Expect(err.Error()).To(Equal("experiment 'bigger-cache' already registered"))
		})
	})

	Context("housekeeping", func() {
		It("applies pending conclusions and collects finished experiments", func() {
			cfg.Experiments = []experiment.Spec{bigCacheSpec()}
			o := build()
			stopped := bigCacheSpec()
			stopped.Name = "stopped"
			_, err := o.RegisterExperiment(stopped)
			Expect(err).NotTo(HaveOccurred())
			_, err = o.StopExperiment("stopped")
			Expect(err).NotTo(HaveOccurred())
			concludeForTreatment(o, "bigger-cache")

			Expect(o.Housekeeping(ctx)).To(Succeed())
			Expect(o.Experiments()).To(BeEmpty())
			Expect(o.Params()).To(HaveKeyWithValue("cache_channel_buf", 1024.0))
			history := o.ConfigHistory()
			Expect(history[len(history)-1].Source).To(Equal("experiment:bigger-cache"))
		})
	})

	Context("manual changes", func() {
		It("clamps and attributes a parameter override", func() {
			o := build()
			snap, err := o.SetParam("cache_channel_buf", 1_000_000, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Source.String()).To(Equal("manual:api"))
			Expect(snap.Params).To(HaveKeyWithValue("cache_channel_buf", 4096.0))
		})

		It("rejects unknown parameters and non-finite values", func() {
			o := build()
			_, err := o.SetParam("warp_factor", 1, "alice")
			Expect(err).To(MatchError(ErrUnknownParam))
			_, err = o.SetParam("cache_channel_buf", math.Inf(1), "alice")
			Expect(err).To(MatchError(ErrInvalidValue))
		})

		It("rolls back to any retained snapshot", func() {
			o := build()
			initial := o.Status().LatestSnapshotID
			_, err := o.SetParam("cache_channel_buf", 2048, "alice")
			Expect(err).NotTo(HaveOccurred())

			restored, err := o.RollbackTo(initial, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(restored.Source.String()).To(Equal("manual:bob"))
			Expect(o.Params()).To(HaveKeyWithValue("cache_channel_buf", 256.0))

			diff, err := o.Diff(initial, restored.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(diff.IsEmpty()).To(BeTrue())

			_, err = o.RollbackTo(999, "bob")
			Expect(err).To(MatchError(snapshot.ErrSnapshotNotFound))
			Expect(err.Error()).To(Equal("snapshot 999 not found"))
			_, err = o.Diff(initial, 999)
			Expect(err).To(MatchError(snapshot.ErrSnapshotNotFound))
		})
	})

	Context("cost", func() {
		It("estimates, reconciles and reports spend", func() {
			cfg.Budget.CeilingUSD = 1
			cfg.Budget.Prices = map[string]cost.TokenPrice{
				"small": {InputPerToken: 0.0001, OutputPerToken: 0.0002},
			}
			o := build()

			quality := 0.9
			req := o.RecordCost(cost.RequestCost{Backend: "small", InputTokens: 1000, OutputTokens: 1000, QualityScore: &quality})
			Expect(req.EstimatedUSD).To(BeNumerically("~", 0.3, 1e-9))
			Expect(o.ReconcileCost("small", 0.9)).To(BeTrue())
			Expect(o.ReconcileCost("unknown", 0.9)).To(BeFalse())

			report := o.CostReport()
			Expect(report.TotalSpentUSD).To(BeNumerically("~", 0.9, 1e-9))
			Expect(report.Pressure).To(Equal(cost.PressureWarn))
			Expect(report.Cheapest).NotTo(BeNil())
			Expect(*report.Cheapest).To(Equal(cost.Backend("small")))
			Expect(o.PreferredBackends()).To(Equal([]cost.Backend{"small"}))
			Expect(o.Pareto()).To(HaveLen(1))
			Expect(o.Status().BudgetPressure).To(Equal(cost.PressureWarn))
		})
	})

	Context("Run", func() {
		It("processes snapshots published on the bus until cancelled", func() {
			o := build()
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- o.Run(runCtx) }()

			Eventually(bus.SubscriberCount).Should(Equal(1))
			Eventually(func() bool { return o.Status().Running }).Should(BeTrue())

			fc.Step(5 * time.Second)
			bus.Emit()
			Eventually(func() uint64 { return o.Status().SnapshotsProcessed }).Should(Equal(uint64(1)))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
			Expect(o.Status().Running).To(BeFalse())
			Expect(bus.SubscriberCount()).To(Equal(0))
		})
	})
})
