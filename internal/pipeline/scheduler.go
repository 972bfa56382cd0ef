package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/config"
)

// Default scheduler intervals.
const (
	DefaultScanInterval  = 4 * time.Hour
	DefaultParseInterval = time.Hour
)

// Runner is the subset of Service the scheduler drives.
type Runner interface {
	Scan(ctx context.Context) (ScanSummary, error)
	Parse(ctx context.Context) (ParseSummary, error)
	CreateDetections(ctx context.Context) (DetectSummary, error)
}

// Scheduler fires scans and parse+detect runs on fixed intervals.
type Scheduler struct {
	runner        Runner
	scanInterval  time.Duration
	parseInterval time.Duration
	log           *zap.Logger
}

// NewScheduler creates a scheduler. Non-positive intervals use the defaults.
func NewScheduler(runner Runner, scanInterval, parseInterval time.Duration) *Scheduler {
	if scanInterval <= 0 {
		scanInterval = DefaultScanInterval
	}
	if parseInterval <= 0 {
		parseInterval = DefaultParseInterval
	}
	return &Scheduler{
		runner:        runner,
		scanInterval:  scanInterval,
		parseInterval: parseInterval,
		log:           zap.L().With(zap.String("component", "pipeline.scheduler")),
	}
}

// SchedulerFromConfig builds a scheduler from the schedule section.
func SchedulerFromConfig(runner Runner, cfg config.ScheduleConfig) *Scheduler {
	return NewScheduler(runner,
		time.Duration(cfg.ScanIntervalMins)*time.Minute,
		time.Duration(cfg.ParseIntervalMins)*time.Minute,
	)
}

// Run blocks until ctx is cancelled. Ticks are processed one at a time, so a
// slow run delays the next tick instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("starting scheduler",
		zap.Duration("scan_interval", s.scanInterval),
		zap.Duration("parse_interval", s.parseInterval),
	)

	scanTicker := time.NewTicker(s.scanInterval)
	defer scanTicker.Stop()
	parseTicker := time.NewTicker(s.parseInterval)
	defer parseTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-scanTicker.C:
			s.scan(ctx)
		case <-parseTicker.C:
			s.parseAndDetect(ctx)
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	sum, err := s.runner.Scan(ctx)
	if err != nil {
		s.log.Error("scheduled scan failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled scan complete",
		zap.Bool("halted", sum.Halted),
		zap.Int("inserted", sum.Inserted),
		zap.Int("failed", sum.Failed),
	)
}

func (s *Scheduler) parseAndDetect(ctx context.Context) {
	parse, err := s.runner.Parse(ctx)
	if err != nil {
		s.log.Error("scheduled parse failed", zap.Error(err))
		return
	}
	if parse.Halted {
		s.log.Info("scheduled parse halted", zap.String("reason", parse.Reason))
		return
	}

	detect, err := s.runner.CreateDetections(ctx)
	if err != nil {
		s.log.Error("scheduled detections failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled run complete",
		zap.Int("parsed", parse.Prefilter.Total),
		zap.Int("eligible", detect.Eligible),
		zap.Bool("halted", detect.Halted),
	)
}
