package shuffle

import (
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kettlelinna/shuttle/pkg/config"
	"github.com/kettlelinna/shuttle/pkg/dfs"
	"github.com/kettlelinna/shuttle/pkg/log"
	"github.com/kettlelinna/shuttle/pkg/protocol"
	"github.com/kettlelinna/shuttle/pkg/types"
)

// Finalizer is the driver-side stage hook: on stage success it flushes
// every worker that may hold data for the stage and writes the success
// marker; on stage retry it deletes the stale marker so readers cannot
// observe the old attempt.
type Finalizer struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewFinalizer creates a finalizer.
func NewFinalizer(cfg *config.Config) *Finalizer {
	return &Finalizer{cfg: cfg, logger: log.For("finalizer")}
}

// groupWorkers returns each distinct worker across the handle's groups.
func groupWorkers(handle *types.ShuffleHandle) []types.WorkerDetail {
	seen := make(map[string]bool)
	var out []types.WorkerDetail
	for _, g := range handle.Groups {
		for _, w := range g.Workers {
			if !seen[w.ID()] {
				seen[w.ID()] = true
				out = append(out, w)
			}
		}
	}
	return out
}

// fanOut delivers one request to every worker of the handle through the
// client network pool, collecting the first failure.
func (f *Finalizer) fanOut(handle *types.ShuffleHandle, kind protocol.Kind, body []byte) error {
	var g errgroup.Group
	g.SetLimit(f.cfg.NetworkIOThreads)
	for _, w := range groupWorkers(handle) {
		g.Go(func() error {
			client, err := protocol.Dial(w.DataAddr(), f.cfg.NetworkTimeout)
			if err != nil {
				return types.NewShuffleError(handle.Stage, -1, w.ID(), err)
			}
			defer client.Close()
			if _, err := client.Call(kind, body); err != nil {
				return types.NewShuffleError(handle.Stage, -1, w.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// OnStageComplete seals the stage on every worker, then publishes the
// success marker. The marker only appears after all flushes are durable.
func (f *Finalizer) OnStageComplete(handle *types.ShuffleHandle) error {
	body := (&protocol.FinalizeStageReq{Stage: handle.Stage}).Encode()
	if err := f.fanOut(handle, protocol.KindFinalizeStage, body); err != nil {
		return err
	}

	fs, root, err := dfs.New(handle.Conf.RootDir, handle.Conf.DfsSite)
	if err != nil {
		return err
	}
	layout := dfs.Layout{Root: root}
	w, err := fs.Create(layout.SuccessPath(handle.Stage))
	if err != nil {
		return types.NewShuffleError(handle.Stage, -1, "", fmt.Errorf("%w: write marker: %v", types.ErrDfs, err))
	}
	if err := w.Close(); err != nil {
		return types.NewShuffleError(handle.Stage, -1, "", fmt.Errorf("%w: write marker: %v", types.ErrDfs, err))
	}
	f.logger.Info().Str("stage", handle.Stage.String()).Msg("Stage marker written")
	return nil
}

// OnStageRetry removes the markers of a previous stage attempt before the
// host engine re-runs the stage.
func (f *Finalizer) OnStageRetry(prev types.StageShuffleId) error {
	fs, root, err := dfs.New(f.cfg.RootDir, f.cfg.DfsSite)
	if err != nil {
		return err
	}
	layout := dfs.Layout{Root: root}
	if err := fs.Remove(layout.SuccessPath(prev)); err != nil {
		return fmt.Errorf("%w: delete stale marker: %v", types.ErrDfs, err)
	}
	if err := fs.Remove(layout.FailedPath(prev)); err != nil {
		return fmt.Errorf("%w: delete stale marker: %v", types.ErrDfs, err)
	}
	f.logger.Info().Str("stage", prev.String()).Msg("Stale stage markers deleted")
	return nil
}

// OnStageAbort cancels buffered state on the workers and publishes the
// abort marker.
func (f *Finalizer) OnStageAbort(handle *types.ShuffleHandle) error {
	body := (&protocol.CancelStageReq{Stage: handle.Stage}).Encode()
	if err := f.fanOut(handle, protocol.KindCancelStage, body); err != nil {
		f.logger.Warn().Err(err).Msg("Stage cancel fan-out incomplete")
	}

	fs, root, err := dfs.New(handle.Conf.RootDir, handle.Conf.DfsSite)
	if err != nil {
		return err
	}
	layout := dfs.Layout{Root: root}
	w, err := fs.Create(layout.FailedPath(handle.Stage))
	if err != nil {
		return fmt.Errorf("%w: write abort marker: %v", types.ErrDfs, err)
	}
	return w.Close()
}
