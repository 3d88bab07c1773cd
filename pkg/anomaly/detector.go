package anomaly

import (
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

// dropRateScale converts the latency-scaled CUSUM settings to drop-rate units.
const dropRateScale = 10_000.0

// latencyNorm brings average latency (us) into the same range as the rate features.
const latencyNorm = 10_000.0

// DetectorConfig configures the three detectors run over each snapshot.
type DetectorConfig struct {
	ZScoreWindow   int     `yaml:"zscoreWindow" json:"zscoreWindow" validate:"gte=2"`
	ZScoreWarn     float64 `yaml:"zscoreWarn" json:"zscoreWarn" validate:"gt=0"`
	ZScoreCritical float64 `yaml:"zscoreCritical" json:"zscoreCritical" validate:"gtfield=ZScoreWarn"`

	// CUSUM settings are in latency microseconds; drop-rate CUSUM uses them divided by 10000.
	CusumSlack     float64 `yaml:"cusumSlack" json:"cusumSlack" validate:"gte=0"`
	CusumThreshold float64 `yaml:"cusumThreshold" json:"cusumThreshold" validate:"gt=0"`
	CusumCritical  float64 `yaml:"cusumCritical" json:"cusumCritical" validate:"gt=0"`

	IFTrees     int     `yaml:"ifTrees" json:"ifTrees" validate:"gte=1"`
	IFSubsample int     `yaml:"ifSubsample" json:"ifSubsample" validate:"gte=2"`
	IFWindow    int     `yaml:"ifWindow" json:"ifWindow" validate:"gte=2"`
	IFWarn      float64 `yaml:"ifWarn" json:"ifWarn" validate:"gt=0,lte=1"`
	IFCritical  float64 `yaml:"ifCritical" json:"ifCritical" validate:"gt=0,lte=1"`
	IFSeed      uint64  `yaml:"ifSeed" json:"ifSeed"`
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ZScoreWindow:   60,
		ZScoreWarn:     2.5,
		ZScoreCritical: 4.0,
		CusumSlack:     500,
		CusumThreshold: 3_000,
		CusumCritical:  10_000,
		IFTrees:        10,
		IFSubsample:    64,
		IFWindow:       200,
		IFWarn:         0.65,
		IFCritical:     0.80,
		IFSeed:         0xDEADBEEF,
	}
}

// Detector runs z-score and CUSUM over latency and drop rate, and an isolation
// forest over [latency/1e4, drop rate, queue fill, cache hit rate].
//
// Detector is not safe for concurrent use.
type Detector struct {
	zLatency     *ZScoreDetector
	zDrop        *ZScoreDetector
	cusumLatency *CusumDetector
	cusumDrop    *CusumDetector
	forest       *IsolationForestDetector
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock stamps anomalies with the given clock.
func WithClock(c clock.PassiveClock) Option {
	return func(d *Detector) {
		d.zLatency.clock = c
		d.zDrop.clock = c
		d.cusumLatency.clock = c
		d.cusumDrop.clock = c
		d.forest.clock = c
	}
}

func NewDetector(cfg DetectorConfig, opts ...Option) (*Detector, error) {
	zLatency, err := NewZScoreDetector(cfg.ZScoreWindow, cfg.ZScoreWarn, cfg.ZScoreCritical)
	if err != nil {
		return nil, err
	}
	zDrop, err := NewZScoreDetector(cfg.ZScoreWindow, cfg.ZScoreWarn, cfg.ZScoreCritical)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		zLatency:     zLatency,
		zDrop:        zDrop,
		cusumLatency: NewCusumDetector(0, cfg.CusumSlack, cfg.CusumThreshold, cfg.CusumCritical),
		cusumDrop: NewCusumDetector(0, cfg.CusumSlack/dropRateScale,
			cfg.CusumThreshold/dropRateScale, cfg.CusumCritical/dropRateScale),
		forest: NewIsolationForestDetector(cfg.IFTrees, cfg.IFSubsample, cfg.IFWindow,
			cfg.IFWarn, cfg.IFCritical, cfg.IFSeed),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Observe feeds snap to every detector and returns whatever fired, in detector order.
func (d *Detector) Observe(snap telemetry.TelemetrySnapshot) []Anomaly {
	var out []Anomaly
	add := func(a *Anomaly, metric string) {
		if a != nil {
			a.Metric = metric
			out = append(out, *a)
		}
	}

	add(d.zLatency.Observe(snap.AvgLatencyUs), MetricAvgLatency)
	add(d.zDrop.Observe(snap.DropRate), MetricDropRate)
	add(d.cusumLatency.Observe(snap.AvgLatencyUs), MetricAvgLatency)
	add(d.cusumDrop.Observe(snap.DropRate), MetricDropRate)
	add(d.forest.Observe([]float64{
		snap.AvgLatencyUs / latencyNorm,
		snap.DropRate,
		snap.QueueFillFrac,
		snap.CacheHitRate,
	}), MetricMultivariate)

	return out
}

// ResetBaseline re-targets both CUSUM detectors, typically after a rollback.
func (d *Detector) ResetBaseline(latencyUs, dropRate float64) {
	d.cusumLatency.UpdateTarget(latencyUs)
	d.cusumDrop.UpdateTarget(dropRate)
}

// Forest exposes the isolation forest for on-demand retraining.
func (d *Detector) Forest() *IsolationForestDetector { return d.forest }
