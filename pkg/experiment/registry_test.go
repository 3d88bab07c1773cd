package experiment

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"
)

var _ = Describe("Registry", func() {
	var (
		fakeClock *clocktesting.FakeClock
		reg       *Registry
	)

	BeforeEach(func() {
		fakeClock = clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		reg = NewRegistry(2, WithClock(fakeClock))
	})

	It("rejects invalid specs", func() {
		_, err := reg.Register(Spec{})
		Expect(errors.Is(err, ErrEmptyName)).To(BeTrue())
		Expect(reg.TotalCount()).To(BeZero())
	})

	It("rejects duplicate names", func() {
		_, err := reg.Register(testSpec("a"))
		Expect(err).NotTo(HaveOccurred())
		_, err = reg.Register(testSpec("a"))
		Expect(errors.Is(err, ErrDuplicateExperiment)).To(BeTrue())
		Expect(err.Error()).To(Equal("experiment 'a' already registered"))
	})

	It("enforces the active limit before checking duplicates", func() {
		_, err := reg.Register(testSpec("a"))
		Expect(err).NotTo(HaveOccurred())
		_, err = reg.Register(testSpec("b"))
		Expect(err).NotTo(HaveOccurred())

		_, err = reg.Register(testSpec("a"))
		Expect(errors.Is(err, ErrRegistryFull)).To(BeTrue())
		Expect(err.Error()).To(Equal("registry full: 2 active experiments (max 2)"))
	})

	It("frees a slot when an experiment finishes and GC purges it", func() {
		a, _ := reg.Register(testSpec("a"))
		_, _ = reg.Register(testSpec("b"))
		a.Stop()
		Expect(reg.ActiveCount()).To(Equal(1))
		Expect(reg.TotalCount()).To(Equal(2))

		_, err := reg.Register(testSpec("c"))
		Expect(err).NotTo(HaveOccurred())

		Expect(reg.GC()).To(Equal(1))
		Expect(reg.Names()).To(Equal([]string{"b", "c"}))
	})

	It("reports unknown names", func() {
		_, err := reg.Route("missing", 1)
		Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		Expect(errors.Is(reg.Record("missing", Control, 1), ErrNotFound)).To(BeTrue())
		_, ok := reg.Status("missing")
		Expect(ok).To(BeFalse())
		Expect(reg.WinningValue("missing")).To(BeNil())
	})

	It("routes and records through the registry", func() {
		exp, _ := reg.Register(testSpec("a"))
		Expect(reg.WinningValue("a")).To(HaveValue(Equal(256.0)))
		v, err := reg.Route("a", 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(exp.Route(7)))

		for i := 0; i < 20; i++ {
			Expect(reg.Record("a", Control, 100+float64(i%3))).To(Succeed())
			Expect(reg.Record("a", Treatment, 40+float64(i%3))).To(Succeed())
		}
		st, ok := reg.Status("a")
		Expect(ok).To(BeTrue())
		Expect(st).To(Equal(Status{State: Concluded, Winner: Treatment}))
		Expect(reg.WinningValue("a")).To(HaveValue(Equal(512.0)))
		Expect(reg.CountByState()[Concluded]).To(Equal(1))
	})

	It("drains each concluded experiment once", func() {
		_, _ = reg.Register(testSpec("a"))
		_, _ = reg.Register(testSpec("b"))
		Expect(reg.DrainConcluded()).To(BeEmpty())

		for i := 0; i < 20; i++ {
			_ = reg.Record("a", Control, 100+float64(i%3))
			_ = reg.Record("a", Treatment, 40+float64(i%3))
		}
		drained := reg.DrainConcluded()
		Expect(drained).To(HaveLen(1))
		Expect(drained[0].Spec.Name).To(Equal("a"))
		Expect(reg.DrainConcluded()).To(BeEmpty())
	})

	It("stops everything", func() {
		_, _ = reg.Register(testSpec("a"))
		_, _ = reg.Register(testSpec("b"))
		reg.StopAll()
		Expect(reg.ActiveCount()).To(BeZero())
		Expect(reg.Infos()).To(HaveLen(2))
	})

	It("hands its clock to experiments", func() {
		_, _ = reg.Register(testSpec("a"))
		fakeClock.Step(2 * time.Hour)
		Expect(reg.Record("a", Control, 1)).To(Succeed())
		st, _ := reg.Status("a")
		Expect(st.State).To(Equal(Stopped))
	})
})
