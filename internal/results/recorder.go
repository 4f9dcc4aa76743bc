package results

import (
	"context"
	"time"

	"github.com/prologueii14/pqctls/internal/stats"
	"github.com/rs/zerolog"
)

// Recorder saves every finished run. It implements stats.Listener.
type Recorder struct {
	store  *Store
	source string
	logger zerolog.Logger
}

// NewRecorder tags saved runs with source, the feature file that drove
// them.
func NewRecorder(store *Store, source string, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, source: source, logger: logger}
}

func (r *Recorder) RunStarted(stats.RunStatistics)            {}
func (r *Recorder) Progress(stats.RunStatistics, stats.Tally) {}

func (r *Recorder) RunFinished(s stats.RunStatistics) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Save(ctx, Record{RunStatistics: s, Source: r.source}); err != nil {
		r.logger.Error().Err(err).Str("run_id", s.RunID).Msg("failed to save run")
		return
	}
	r.logger.Debug().Str("run_id", s.RunID).Msg("run saved")
}
