package experiment

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"
)

func fill(s *VariantStats, n int, values ...float64) {
	for i := 0; i < n; i++ {
		s.Record(values[i%len(values)])
	}
}

func testSpec(name string) Spec {
	spec := DefaultSpec()
	spec.Name = name
	spec.Parameter = "dedup_channel_buf"
	spec.ControlValue = 256
	spec.TreatmentValue = 512
	spec.TrafficSplit = 0.5
	spec.MinSamples = 20
	return spec
}

var _ = Describe("Spec", func() {
	It("accepts the defaults", func() {
		Expect(DefaultSpec().Validate()).To(Succeed())
	})

	DescribeTable("rejects invalid specs",
		func(mutate func(*Spec), target error, msg string) {
			spec := DefaultSpec()
			mutate(&spec)
			err := spec.Validate()
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, target)).To(BeTrue())
			Expect(err.Error()).To(Equal(msg))
		},
		Entry("empty name", func(s *Spec) { s.Name = "" }, ErrEmptyName,
			"experiment name must not be empty"),
		Entry("split above one", func(s *Spec) { s.TrafficSplit = 1.5 }, ErrInvalidSplit,
			"traffic_split must be in [0, 1], got 1.5"),
		Entry("negative split", func(s *Spec) { s.TrafficSplit = -0.1 }, ErrInvalidSplit,
			"traffic_split must be in [0, 1], got -0.1"),
		Entry("zero min samples", func(s *Spec) { s.MinSamples = 0 }, ErrInvalidMinSamples,
			"min_samples must be >= 1"),
		Entry("significance of one", func(s *Spec) { s.Significance = 1 }, ErrInvalidSignif,
			"significance must be in [0, 1), got 1"),
		Entry("zero max samples", func(s *Spec) { s.MaxSamples = 0 }, ErrInvalidMaxSamples,
			"max_samples must be >= 1"),
	)

	It("rejects NaN ratios", func() {
		spec := DefaultSpec()
		spec.TrafficSplit = math.NaN()
		Expect(errors.Is(spec.Validate(), ErrInvalidSplit)).To(BeTrue())
	})
})

var _ = Describe("VariantStats", func() {
	It("evicts the oldest sample and keeps running sums in step", func() {
		s := NewVariantStats(3)
		fill(s, 4, 1, 2, 3, 4)
		Expect(s.Count()).To(Equal(3))
		Expect(s.Mean()).To(BeNumerically("~", 3, 1e-12))
		Expect(s.Variance()).To(BeNumerically("~", 1, 1e-12))
	})

	It("reports zero variance below two samples", func() {
		s := NewVariantStats(10)
		Expect(s.Mean()).To(BeZero())
		s.Record(42)
		Expect(s.Variance()).To(BeZero())
	})
})

var _ = Describe("WelchTTest", func() {
	It("needs two samples per side", func() {
		a, b := NewVariantStats(10), NewVariantStats(10)
		a.Record(1)
		fill(b, 5, 1, 2)
		_, ok := WelchTTest(a, b, 0.95)
		Expect(ok).To(BeFalse())
	})

	It("does not separate identical distributions", func() {
		a, b := NewVariantStats(1000), NewVariantStats(1000)
		fill(a, 200, 10, 12, 11, 9)
		fill(b, 200, 10, 12, 11, 9)
		res, ok := WelchTTest(a, b, 0.95)
		Expect(ok).To(BeTrue())
		Expect(res.Significant).To(BeFalse())
		Expect(res.Better).To(BeNil())
		Expect(res.PValue).To(BeNumerically("~", 1, 1e-6))
	})

	It("prefers the lower-mean treatment", func() {
		a, b := NewVariantStats(1000), NewVariantStats(1000)
		fill(a, 100, 100, 102, 98)
		fill(b, 100, 50, 52, 48)
		res, ok := WelchTTest(a, b, 0.95)
		Expect(ok).To(BeTrue())
		Expect(res.Significant).To(BeTrue())
		Expect(res.TStat).To(BeNumerically(">", 0))
		Expect(res.Better).NotTo(BeNil())
		Expect(*res.Better).To(Equal(Treatment))
		Expect(res.PValue).To(BeNumerically("<", 0.05))
	})

	It("treats zero spread with different means as decisive", func() {
		a, b := NewVariantStats(100), NewVariantStats(100)
		fill(a, 10, 5)
		fill(b, 10, 10)
		res, ok := WelchTTest(a, b, 0.95)
		Expect(ok).To(BeTrue())
		Expect(math.IsInf(res.TStat, 1)).To(BeTrue())
		Expect(res.PValue).To(BeZero())
		Expect(res.DF).To(Equal(18.0))
		Expect(res.Significant).To(BeTrue())
		Expect(*res.Better).To(Equal(Control))

		encoded, err := json.Marshal(res)
		Expect(err).NotTo(HaveOccurred())
		Expect(encoded).To(MatchJSON(`{"tStat":null,"df":18,"pValue":0,"significant":true,"better":"control"}`))
	})

	It("approximates the normal upper tail", func() {
		Expect(normalUpperTail(0)).To(BeNumerically("~", 0.5, 1e-6))
		Expect(normalUpperTail(1.96)).To(BeNumerically("~", 0.025, 1e-3))
		Expect(normalUpperTail(-1.96)).To(BeNumerically("~", 0.975, 1e-3))
		Expect(normalUpperTail(9)).To(BeZero())
		Expect(twoTailedP(0, 10)).To(BeNumerically("~", 1, 1e-6))
	})
})

var _ = Describe("Experiment", func() {
	var (
		fakeClock *clocktesting.FakeClock
		exp       *Experiment
	)

	BeforeEach(func() {
		fakeClock = clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		var err error
		exp, err = NewExperiment(testSpec("buf"), fakeClock)
		Expect(err).NotTo(HaveOccurred())
	})

	It("gets a unique id", func() {
		other, err := NewExperiment(testSpec("buf"), fakeClock)
		Expect(err).NotTo(HaveOccurred())
		Expect(exp.ID).NotTo(BeEmpty())
		Expect(exp.ID).NotTo(Equal(other.ID))
	})

	It("routes the same request to the same variant", func() {
		for id := uint64(0); id < 1000; id++ {
			Expect(exp.Route(id)).To(Equal(exp.Route(id)))
		}
	})

	It("routes everything to control at split 0 and to treatment at split 1", func() {
		spec := testSpec("edge")
		spec.TrafficSplit = 0
		none, err := NewExperiment(spec, fakeClock)
		Expect(err).NotTo(HaveOccurred())
		spec.TrafficSplit = 1
		all, err := NewExperiment(spec, fakeClock)
		Expect(err).NotTo(HaveOccurred())
		for id := uint64(0); id < 5000; id++ {
			Expect(none.Route(id)).To(Equal(Control))
			Expect(all.Route(id)).To(Equal(Treatment))
		}
	})

	It("routes roughly the configured fraction to treatment", func() {
		spec := testSpec("tenth")
		spec.TrafficSplit = 0.1
		e, err := NewExperiment(spec, fakeClock)
		Expect(err).NotTo(HaveOccurred())
		treated := 0
		for id := uint64(0); id < 10_000; id++ {
			if e.Route(id) == Treatment {
				treated++
			}
		}
		Expect(treated).To(BeNumerically("~", 1000, 100))
	})

	It("stays running until both variants reach min samples", func() {
		for i := 0; i < 50; i++ {
			exp.Record(Control, 100+float64(i%3))
		}
		for i := 0; i < 19; i++ {
			exp.Record(Treatment, 50+float64(i%3))
		}
		Expect(exp.Status().State).To(Equal(Running))
		Expect(exp.LastResult()).To(BeNil())

		exp.Record(Treatment, 51)
		Expect(exp.Status()).To(Equal(Status{State: Concluded, Winner: Treatment}))
		Expect(exp.LastResult()).NotTo(BeNil())
		Expect(exp.ConcludedAt()).To(Equal(fakeClock.Now()))
		Expect(exp.WinningValue()).To(HaveValue(Equal(512.0)))
	})

	It("ignores records once concluded", func() {
		for i := 0; i < 20; i++ {
			exp.Record(Control, 100+float64(i%3))
			exp.Record(Treatment, 50+float64(i%3))
		}
		Expect(exp.IsFinished()).To(BeTrue())
		exp.Record(Control, 1)
		Expect(exp.ControlStats().Count()).To(Equal(20))
	})

	It("keeps the control value while running and when control wins", func() {
		Expect(exp.WinningValue()).To(HaveValue(Equal(256.0)))
		for i := 0; i < 20; i++ {
			exp.Record(Control, 10+float64(i%3))
			exp.Record(Treatment, 90+float64(i%3))
		}
		Expect(exp.Status()).To(Equal(Status{State: Concluded, Winner: Control}))
		Expect(exp.WinningValue()).To(HaveValue(Equal(256.0)))
	})

	It("stops without recording once the TTL elapses", func() {
		exp.Record(Control, 1)
		fakeClock.Step(2 * time.Hour)
		exp.Record(Control, 2)
		Expect(exp.Status().State).To(Equal(Stopped))
		Expect(exp.ControlStats().Count()).To(Equal(1))
		Expect(exp.WinningValue()).To(HaveValue(Equal(256.0)))
	})

	It("still records at exactly the TTL", func() {
		fakeClock.Step(time.Hour)
		exp.Record(Control, 2)
		Expect(exp.Status().State).To(Equal(Running))
		Expect(exp.ControlStats().Count()).To(Equal(1))

		fakeClock.Step(time.Millisecond)
		exp.Record(Control, 3)
		Expect(exp.Status().State).To(Equal(Stopped))
		Expect(exp.ControlStats().Count()).To(Equal(1))
	})

	It("can be stopped manually", func() {
		exp.Stop()
		Expect(exp.IsFinished()).To(BeTrue())
		Expect(exp.Status().String()).To(Equal("stopped"))
	})

	It("describes itself", func() {
		exp.Record(Control, 3)
		info := exp.Info()
		Expect(info.ID).To(Equal(exp.ID))
		Expect(info.Control.Count).To(Equal(1))
		Expect(info.ConcludedAt).To(BeNil())
	})
})
